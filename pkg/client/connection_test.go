package client

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/superbot/pkg/flood"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/timer"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    dialTarget
		wantErr bool
	}{
		{name: "bare host", raw: "irc.example.net", want: dialTarget{scheme: "tcp", host: "irc.example.net", port: "6667"}},
		{name: "host and port", raw: "irc.example.net:7000", want: dialTarget{scheme: "tcp", host: "irc.example.net", port: "7000"}},
		{name: "tcp scheme", raw: "tcp://10.0.0.1:6668", want: dialTarget{scheme: "tcp", host: "10.0.0.1", port: "6668"}},
		{name: "ipv6", raw: "[::1]", want: dialTarget{scheme: "tcp", host: "::1", port: "6667"}},
		{name: "ws default port", raw: "ws://chat.example.net/irc", want: dialTarget{scheme: "ws", host: "chat.example.net", port: "80"}},
		{name: "wss default port", raw: "wss://chat.example.net/irc", want: dialTarget{scheme: "wss", host: "chat.example.net", port: "443"}},
		{name: "empty", raw: "  ", wantErr: true},
		{name: "unknown scheme", raw: "ssh://irc.example.net", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseServerAddress(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			got.url = nil
			if diff := cmp.Diff(tt.want, *got, cmp.AllowUnexported(dialTarget{})); diff != "" {
				t.Errorf("parseServerAddress(%q) mismatch (-want +got):\n%s", tt.raw, diff)
			}
		})
	}
}

func newTestConnection(t *testing.T, dial DialFunc) (*Connection, chan Event) {
	t.Helper()
	sched := timer.NewScheduler()
	t.Cleanup(sched.Close)

	events := make(chan Event, 64)
	cfg := flood.Config{
		Cost:           time.Millisecond,
		Window:         10 * time.Second,
		MaxOutstanding: 1 << 20,
		RetryDelay:     10 * time.Millisecond,
		DrainDelay:     50 * time.Millisecond,
	}
	c := NewConnection("irc.test", "", sched, cfg, dial, func(ev Event) { events <- ev })
	t.Cleanup(func() {
		c.Close()
		c.Wait()
	})
	return c, events
}

func nextEvent(t *testing.T, events chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestConnectionLifecycle(t *testing.T) {
	d := &pipeDialer{servers: make(chan *fakeServer, 1)}
	c, events := newTestConnection(t, d.dial)

	assert.ErrorIs(t, c.Send(protocol.Privmsg("#x", "early"), PriorityNormal), ErrNotConnected)
	assert.Len(t, c.ID(), 8)

	c.Start()
	srv := d.accept(t)
	require.Equal(t, EventConnected, nextEvent(t, events).Type)
	assert.True(t, c.IsConnected())

	srv.send(":irc.test NOTICE * :hello there")
	ev := nextEvent(t, events)
	require.Equal(t, EventLine, ev.Type)
	assert.Equal(t, ":irc.test NOTICE * :hello there", ev.Line)
	assert.NotZero(t, c.BytesReceived())

	require.NoError(t, c.Send(protocol.Privmsg("#chan", "hi there"), PriorityNormal))
	srv.expect("PRIVMSG #chan :hi there")
	require.Eventually(t, func() bool { return c.BytesSent() > 0 }, time.Second, 5*time.Millisecond)

	srv.conn.Close()
	ev = nextEvent(t, events)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.NoError(t, ev.Err)
	assert.False(t, c.IsConnected())

	c.Close()
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event %v", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectionDialFailure(t *testing.T) {
	c, events := newTestConnection(t, func(ctx context.Context, server, bind string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})
	c.Start()

	ev := nextEvent(t, events)
	assert.Equal(t, EventDisconnected, ev.Type)
	assert.ErrorContains(t, ev.Err, "connection refused")
}

func TestConnectionCloseCancelsTimers(t *testing.T) {
	d := &pipeDialer{servers: make(chan *fakeServer, 1)}
	c, events := newTestConnection(t, d.dial)
	c.Start()
	d.accept(t)
	require.Equal(t, EventConnected, nextEvent(t, events).Type)

	fired := make(chan struct{}, 1)
	c.Timers().Schedule(func() { fired <- struct{}{} }, 50*time.Millisecond)
	c.Close()

	assert.Equal(t, EventDisconnected, nextEvent(t, events).Type)
	select {
	case <-fired:
		t.Fatal("timer fired after close")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestDialServerTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	conn, err := DialServer(context.Background(), "tcp://"+ln.Addr().String(), "local")
	require.NoError(t, err)
	defer conn.Close()

	remote := <-accepted
	defer remote.Close()
	_, err = remote.Write([]byte("PING :x\r\n"))
	require.NoError(t, err)

	line, err := protocol.NewLineReader(conn).ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "PING :x", line)
}

func TestWebSocketTranscoding(t *testing.T) {
	frames := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		if err := ws.WriteMessage(websocket.TextMessage, []byte("PRIVMSG #café :naïve")); err != nil {
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				close(frames)
				return
			}
			frames <- string(data)
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := DialServer(context.Background(), url, "")
	require.NoError(t, err)

	// The line arrives as ISO-8859-1 bytes
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PRIVMSG #caf\xe9 :na\xefve\r\n", line)

	_, err = conn.Write([]byte("NOTICE #caf\xe9 :d\xe9j\xe0 vu\r\nPING :y\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "NOTICE #café :déjà vu", <-frames)
	assert.Equal(t, "PING :y", <-frames)

	require.NoError(t, conn.Close())
	_, err = conn.Write([]byte("PING :z\r\n"))
	assert.ErrorIs(t, err, net.ErrClosed)
	for range frames {
	}
}
