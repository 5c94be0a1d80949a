package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/superbot/pkg/flood"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/timer"
	"github.com/google/uuid"
)

const (
	defaultPort = "6667"
	dialTimeout = 10 * time.Second
)

var ErrNotConnected = errors.New("not connected")

// EventType identifies a transport lifecycle event
type EventType int

const (
	EventConnected EventType = iota
	EventLine
	EventDisconnected
)

// Event is delivered to the owner of a Connection. Events from one
// connection arrive in order: Connected, any number of Lines, Disconnected.
// A failed dial produces only Disconnected.
type Event struct {
	Type EventType
	Line string
	Err  error
}

// DialFunc opens the raw stream to server, optionally bound to a local address
type DialFunc func(ctx context.Context, server, bind string) (net.Conn, error)

// Connection is one transport attempt to a server. It owns the socket, the
// read loop, the root timer group for everything scoped to this socket and
// the flood governor writing to it. It is not reused after disconnecting.
type Connection struct {
	id     uuid.UUID
	server string
	bind   string
	dial   DialFunc
	emit   func(Event)

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      net.Conn
	connected bool

	root     *timer.Group
	governor *flood.Governor

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	lastRead      atomic.Int64

	closeOnce      sync.Once
	disconnectOnce sync.Once
	wg             sync.WaitGroup
}

// NewConnection prepares a connection to server. Nothing is dialed until
// Start is called.
func NewConnection(server, bind string, sched *timer.Scheduler, floodCfg flood.Config, dial DialFunc, emit func(Event)) *Connection {
	if dial == nil {
		dial = DialServer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:     uuid.New(),
		server: server,
		bind:   bind,
		dial:   dial,
		emit:   emit,
		ctx:    ctx,
		cancel: cancel,
		root:   sched.NewGroup(),
	}
	c.governor = flood.New(server, &countingWriter{w: connWriter{c}, counter: &c.bytesSent}, c.root, floodCfg)
	return c
}

// ID identifies this connection attempt in logs
func (c *Connection) ID() string {
	return c.id.String()[:8]
}

// Server returns the address being connected to
func (c *Connection) Server() string {
	return c.server
}

// Timers returns the root timer group, canceled when the connection closes
func (c *Connection) Timers() *timer.Group {
	return c.root
}

// Governor returns the flood governor pacing writes to this connection
func (c *Connection) Governor() *flood.Governor {
	return c.governor
}

// Start dials in the background and then runs the read loop
func (c *Connection) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		conn, err := c.dial(c.ctx, c.server, c.bind)
		if err != nil {
			c.disconnected(fmt.Errorf("failed to connect to %s: %w", c.server, err))
			return
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.Close()
			c.disconnected(net.ErrClosed)
			return
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		c.lastRead.Store(time.Now().UnixNano())
		c.emit(Event{Type: EventConnected})
		c.readLoop(conn)
	}()
}

func (c *Connection) readLoop(conn net.Conn) {
	reader := protocol.NewLineReader(&countingReader{r: conn, counter: &c.bytesReceived})
	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			c.disconnected(err)
			return
		}
		c.lastRead.Store(time.Now().UnixNano())
		if line == "" {
			continue
		}
		c.emit(Event{Type: EventLine, Line: line})
	}
}

// disconnected tears the connection down and reports it exactly once
func (c *Connection) disconnected(err error) {
	c.Close()
	c.disconnectOnce.Do(func() {
		c.emit(Event{Type: EventDisconnected, Err: err})
	})
}

// Close shuts the socket and cancels every task scoped to it. The read loop
// then reports Disconnected.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.connected = false
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
		c.root.Cancel()
		c.governor.Close()
	})
}

// Wait blocks until the dial and read goroutine has exited
func (c *Connection) Wait() {
	c.wg.Wait()
}

// Send hands msg to the flood governor
func (c *Connection) Send(msg protocol.Outbound, priority int) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.governor.Send(msg, priority)
}

// IsConnected reports whether the socket is open
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// LastRead returns when a line was last received
func (c *Connection) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// BytesSent returns the total bytes written
func (c *Connection) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read
func (c *Connection) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// connWriter writes straight to the current socket
type connWriter struct {
	c *Connection
}

func (w connWriter) Write(p []byte) (int, error) {
	w.c.mu.RLock()
	conn := w.c.conn
	connected := w.c.connected
	w.c.mu.RUnlock()
	if !connected || conn == nil {
		return 0, ErrNotConnected
	}
	debugLog.Printf("[%s] → OUT: %s", w.c.ID(), strings.TrimRight(string(p), "\r\n"))
	return conn.Write(p)
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialTarget struct {
	scheme string // tcp, ws or wss
	host   string
	port   string
	url    *url.URL // set for ws and wss
}

// parseServerAddress accepts "host", "host:port", "tcp://host:port",
// "ws://host:port/path" and "wss://host:port/path"
func parseServerAddress(raw string) (*dialTarget, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	if !strings.Contains(trimmed, "://") {
		host, port, err := splitHostPortWithDefault(trimmed, defaultPort)
		if err != nil {
			return nil, err
		}
		return &dialTarget{scheme: "tcp", host: host, port: port}, nil
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(u.Host, defaultPort)
		if err != nil {
			return nil, err
		}
		return &dialTarget{scheme: scheme, host: host, port: port}, nil

	case "ws", "wss":
		def := "80"
		if scheme == "wss" {
			def = "443"
		}
		host, port, err := splitHostPortWithDefault(u.Host, def)
		if err != nil {
			return nil, err
		}
		return &dialTarget{scheme: scheme, host: host, port: port, url: u}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = hostPort
		if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
			host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
		}
		return host, defaultPort, nil
	}

	return "", "", err
}

// netDialer builds a dialer bound to bind ("" or "local" means any address)
func netDialer(bind string) (*net.Dialer, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	if bind == "" || bind == "local" {
		return d, nil
	}
	ip := net.ParseIP(bind)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", bind)
		if err != nil {
			return nil, fmt.Errorf("invalid bind address %q: %w", bind, err)
		}
		ip = addr.IP
	}
	d.LocalAddr = &net.TCPAddr{IP: ip}
	return d, nil
}

// resolveRandom picks one address at random when host has several records
func resolveRandom(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return addrs[rand.IntN(len(addrs))].IP.String(), nil
}

// DialServer is the default DialFunc
func DialServer(ctx context.Context, server, bind string) (net.Conn, error) {
	target, err := parseServerAddress(server)
	if err != nil {
		return nil, err
	}
	dialer, err := netDialer(bind)
	if err != nil {
		return nil, err
	}

	if target.scheme == "tcp" {
		ip, err := resolveRandom(ctx, target.host)
		if err != nil {
			return nil, err
		}
		return dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip, target.port))
	}
	return DialWebSocket(ctx, target.url.String(), dialer)
}
