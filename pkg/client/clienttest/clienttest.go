// Package clienttest runs a client.Manager against in-memory servers
package clienttest

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/superbot/pkg/client"
	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/flood"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// Timeout bounds every wait in this package
const Timeout = 5 * time.Second

// Server is the remote end of one client connection
type Server struct {
	t     testing.TB
	conn  net.Conn
	lines chan string
}

func newServer(conn net.Conn) *Server {
	s := &Server{conn: conn, lines: make(chan string, 256)}
	go s.read()
	return s
}

func (s *Server) read() {
	defer close(s.lines)
	reader := protocol.NewLineReader(s.conn)
	for {
		line, err := reader.ReadLine()
		if err != nil {
			return
		}
		s.lines <- line
		if strings.HasPrefix(line, "QUIT") {
			s.conn.Close()
			return
		}
	}
}

// Next returns the next line the client sent
func (s *Server) Next() string {
	s.t.Helper()
	select {
	case line, ok := <-s.lines:
		if !ok {
			s.t.Fatal("connection closed")
		}
		return line
	case <-time.After(Timeout):
		s.t.Fatal("timed out waiting for a line")
		return ""
	}
}

// Expect fails the test unless the next line is want
func (s *Server) Expect(want string) {
	s.t.Helper()
	require.Equal(s.t, want, s.Next())
}

// ExpectNothing fails the test if the client sends anything within d
func (s *Server) ExpectNothing(d time.Duration) {
	s.t.Helper()
	select {
	case line, ok := <-s.lines:
		if ok {
			s.t.Fatalf("unexpected line %q", line)
		}
	case <-time.After(d):
	}
}

// Send writes one line to the client
func (s *Server) Send(line string) {
	s.t.Helper()
	require.NoError(s.t, s.conn.SetWriteDeadline(time.Now().Add(Timeout)))
	_, err := s.conn.Write([]byte(line + "\r\n"))
	require.NoError(s.t, err)
}

// Sync round-trips a PING so every line sent before it has been handled by
// the session
func (s *Server) Sync() {
	s.t.Helper()
	s.Send("PING :sync")
	s.Expect("PONG sync")
}

// Register answers the client's USER and NICK and completes registration
func (s *Server) Register(nick string) {
	s.t.Helper()
	require.True(s.t, strings.HasPrefix(s.Next(), "USER "))
	s.Expect("NICK " + nick)
	s.Send(":irc.test 001 " + nick + " :Welcome")
	s.Send(":irc.test 376 " + nick + " :End of /MOTD command.")
}

// Close drops the connection from the server side
func (s *Server) Close() {
	s.conn.Close()
}

// Dialer hands out in-memory connections and the servers behind them
type Dialer struct {
	servers chan *Server
}

// NewDialer creates a Dialer
func NewDialer() *Dialer {
	return &Dialer{servers: make(chan *Server, 16)}
}

// Dial is a client.DialFunc
func (d *Dialer) Dial(ctx context.Context, server, bind string) (net.Conn, error) {
	local, remote := net.Pipe()
	d.servers <- newServer(remote)
	return local, nil
}

// Accept returns the server for the next connection the client opens
func (d *Dialer) Accept(t testing.TB) *Server {
	t.Helper()
	select {
	case s := <-d.servers:
		s.t = t
		return s
	case <-time.After(Timeout):
		t.Fatal("client never dialed")
		return nil
	}
}

// Config returns a minimal configuration with one clone, bot1, on testnet
func Config(nicks string) map[string]string {
	return map[string]string{
		"servers,testnet":       "irc.test",
		"bot1,network":          "testnet",
		"bot1,nickname":         nicks,
		config.KeyStatusChannel: "#status",
		config.KeyWorkers:       "2",
		config.KeyCloneStagger:  "0",
	}
}

// Timing returns delays short enough for tests. Reconnects only happen
// when asked for.
func Timing() client.Timing {
	return client.Timing{
		RegisterDelay:      10 * time.Millisecond,
		ReconnectDelay:     time.Hour,
		ThrottlePenalty:    time.Minute,
		TerminateGrace:     200 * time.Millisecond,
		HandlerChangeDelay: 10 * time.Millisecond,
		ShutdownTimeout:    2 * time.Second,
	}
}

// NewManager builds a manager wired to a Dialer with fast pacing
func NewManager(file map[string]string, catalog client.Catalog) (*client.Manager, *Dialer) {
	m := client.NewManager(config.New(file), catalog, nil)
	m.SetFloodConfig(flood.Config{
		Cost:           time.Millisecond,
		Window:         10 * time.Second,
		MaxOutstanding: 1 << 20,
		RetryDelay:     10 * time.Millisecond,
		DrainDelay:     50 * time.Millisecond,
	})
	m.SetTiming(Timing())
	d := NewDialer()
	m.SetDialer(d.Dial)
	return m, d
}

// Run starts a manager over file and stops it when the test ends
func Run(t testing.TB, file map[string]string, catalog client.Catalog) (*client.Manager, *Dialer) {
	t.Helper()
	m, d := NewManager(file, catalog)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("manager: %v", err)
			}
		case <-time.After(2 * Timeout):
			t.Error("manager did not stop")
		}
	})
	return m, d
}

// WaitRegistered waits until clone has registered and loaded its handlers
func WaitRegistered(t testing.TB, m *client.Manager, clone string) *client.Session {
	t.Helper()
	var s *client.Session
	require.Eventually(t, func() bool {
		var err error
		s, err = m.Session(clone)
		if err != nil || s.State() != client.StateRegistered {
			return false
		}
		reg := s.Registry()
		return reg != nil && len(reg.Names()) == len(m.Handlers())
	}, Timeout, 5*time.Millisecond)
	return s
}
