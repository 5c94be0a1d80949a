package client

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// WebSocketConn adapts a WebSocket connection to net.Conn. Each protocol
// line travels as one UTF-8 text frame without its terminator, while the
// byte stream seen by the rest of the client stays ISO-8859-1 with line
// terminators, so the TCP and WebSocket paths share one reader and writer.
type WebSocketConn struct {
	ws      *websocket.Conn
	readBuf bytes.Buffer
	readMu  sync.Mutex
	writeMu sync.Mutex
	closed  bool
	closeMu sync.Mutex

	enc *encoding.Encoder // UTF-8 frame -> ISO-8859-1 stream
	dec *encoding.Decoder // ISO-8859-1 stream -> UTF-8 frame
}

// DialWebSocket connects to a ws:// or wss:// URL through dialer
func DialWebSocket(ctx context.Context, rawURL string, dialer *net.Dialer) (*WebSocketConn, error) {
	wsDialer := &websocket.Dialer{
		NetDialContext:   dialer.DialContext,
		HandshakeTimeout: dialTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	ws, _, err := wsDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if strings.Contains(err.Error(), "bad handshake") {
			return nil, fmt.Errorf("websocket handshake with %s failed: %w", rawURL, err)
		}
		return nil, err
	}

	return &WebSocketConn{
		ws:  ws,
		enc: encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder()),
		dec: charmap.ISO8859_1.NewDecoder(),
	}, nil
}

// Read implements net.Conn.Read
func (c *WebSocketConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for c.readBuf.Len() == 0 {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		encoded, err := c.enc.Bytes(data)
		if err != nil {
			return 0, err
		}
		for _, line := range strings.Split(strings.TrimRight(string(encoded), "\r\n"), "\n") {
			c.readBuf.WriteString(strings.TrimRight(line, "\r"))
			c.readBuf.WriteString("\r\n")
		}
	}

	return c.readBuf.Read(b)
}

// Write implements net.Conn.Write. b is expected to hold whole lines.
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return 0, net.ErrClosed
	}
	c.closeMu.Unlock()

	for _, line := range bytes.Split(b, []byte("\n")) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		frame, err := c.dec.Bytes(line)
		if err != nil {
			return 0, err
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return 0, err
		}
	}

	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	return c.ws.Close()
}

// LocalAddr implements net.Conn.LocalAddr
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.RemoteAddr
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements net.Conn.SetReadDeadline
func (c *WebSocketConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
