package client

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func refuseDial(ctx context.Context, server, bind string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestManagerSessionErrors(t *testing.T) {
	m, _ := newTestManager(t, testConfig("alpha"), Catalog{})
	m.SetDialer(refuseDial)

	assert.ErrorIs(t, m.StartSession("nobody"), config.ErrNoSuchClone)
	require.NoError(t, m.StartSession("bot1"))
	assert.ErrorIs(t, m.StartSession("bot1"), ErrSessionExists)

	assert.ErrorIs(t, m.Terminate("nobody"), ErrSessionNotFound)
	assert.ErrorIs(t, m.Reconnect("nobody"), ErrSessionNotFound)
	_, err := m.Session("nobody")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManagerList(t *testing.T) {
	file := testConfig("alpha")
	file["bot2,network"] = "testnet"
	file["bot0,network"] = "nowhere"
	m, _ := newTestManager(t, file, Catalog{})
	m.SetDialer(refuseDial)

	m.StartConfigured(context.Background())
	require.Eventually(t, func() bool {
		list := m.List()
		if len(list) != 3 {
			return false
		}
		for _, info := range list {
			if info.State != StateDisconnected {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	list := m.List()
	assert.Equal(t, "bot0", list[0].Name)
	assert.Equal(t, "nowhere", list[0].Network)
	assert.Equal(t, "bot1", list[1].Name)
	assert.Equal(t, "bot2", list[2].Name)
}

func TestManagerHandlerErrors(t *testing.T) {
	m, _ := newTestManager(t, testConfig("alpha"), Catalog{
		"noop": func(hc *HandlerContext) (Handler, error) { return &testHandler{}, nil },
	})

	assert.ErrorIs(t, m.AddHandler("ghost"), ErrUnknownHandler)
	assert.ErrorIs(t, m.RemoveHandler("noop"), ErrHandlerNotLoaded)

	require.NoError(t, m.AddHandler("noop"))
	require.NoError(t, m.AddHandler("noop"))
	assert.Equal(t, []string{"noop"}, m.Handlers())
}

func TestReportStatusUsesRegisteredSession(t *testing.T) {
	m, d, s := startBot(t, "alpha")
	srv := d.accept(t)
	srv.register("alpha")
	waitState(t, s, StateRegistered)

	m.ReportStatus("all systems go")
	srv.expect("NOTICE #status :all systems go")
}

// echo answers !ping in the channel it was asked in
func echo(hc *HandlerContext) (Handler, error) {
	hc.On(protocol.KindChat, func(msg protocol.Message) error {
		m := msg.(*protocol.ChatMessage)
		if m.Command != "!ping" {
			return nil
		}
		return hc.Send(protocol.Privmsg(m.Target, "pong from "+hc.Nickname()))
	})
	return &testHandler{}, nil
}

func TestRunDispatchesThroughWorkers(t *testing.T) {
	file := testConfig("alpha")
	file["modules"] = "echo"
	m, d := newTestManager(t, file, Catalog{"echo": echo})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	srv := d.accept(t)
	srv.register("alpha")
	s, err := m.Session("bot1")
	require.NoError(t, err)
	waitState(t, s, StateRegistered)
	require.Eventually(t, func() bool {
		reg := s.Registry()
		return reg != nil && len(reg.Names()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	srv.send(":dave!d@host PRIVMSG #chan :!ping")
	srv.expect("PRIVMSG #chan :pong from alpha")

	cancel()
	srv.expect("QUIT :Clone terminated!")
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Empty(t, m.List())
}

func TestProcessRecoversFromFaults(t *testing.T) {
	m, _ := newTestManager(t, testConfig("alpha"), Catalog{})

	err := m.process(queue.Entry[*Session]{Message: protocol.Parse("PING :x")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch of PING for no session panicked")

	err = m.process(queue.Entry[*Session]{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch of nil message for no session panicked")
}

func TestWorkerKeepsDrainingAfterFault(t *testing.T) {
	backoff := workerBackoff
	workerBackoff = 20 * time.Millisecond
	t.Cleanup(func() { workerBackoff = backoff })

	file := testConfig("alpha")
	file["modules"] = "echo"
	file["workers"] = "1"
	m, d := newTestManager(t, file, Catalog{"echo": echo})

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	srv := d.accept(t)
	srv.register("alpha")
	s, err := m.Session("bot1")
	require.NoError(t, err)
	waitState(t, s, StateRegistered)
	require.Eventually(t, func() bool {
		reg := s.Registry()
		return reg != nil && len(reg.Names()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// The only worker hits a fault first, then must still serve the chat line
	require.NoError(t, m.inbound.Enqueue(protocol.Parse("PING :x"), nil))
	srv.send(":dave!d@host PRIVMSG #chan :!ping")
	srv.expect("PRIVMSG #chan :pong from alpha")

	cancel()
	srv.expect("QUIT :Clone terminated!")
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestDeferredChangeDroppedAtShutdown(t *testing.T) {
	m, _ := newTestManager(t, testConfig("alpha"), Catalog{})
	ran := make(chan struct{}, 1)
	m.deferHandlerChange(func() { ran <- struct{}{} })
	m.shutdown()

	select {
	case <-ran:
		t.Fatal("handler change ran after shutdown")
	case <-time.After(5 * m.timing.HandlerChangeDelay):
	}
}

func TestShutdownWaitsForRunningChange(t *testing.T) {
	m, _ := newTestManager(t, testConfig("alpha"), Catalog{})
	started := make(chan struct{})
	release := make(chan struct{})
	m.deferHandlerChange(func() {
		close(started)
		<-release
	})
	<-started

	stopped := make(chan struct{})
	go func() {
		m.shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("shutdown returned while a handler change was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never returned")
	}
}

func TestHandlerChangesFromHandlers(t *testing.T) {
	var hc *HandlerContext
	file := testConfig("alpha")
	file["modules"] = "control"
	m, d := newTestManager(t, file, Catalog{
		"control": func(c *HandlerContext) (Handler, error) {
			hc = c
			return &testHandler{}, nil
		},
		"echo": echo,
	})
	require.NoError(t, m.StartSession("bot1"))
	s, err := m.Session("bot1")
	require.NoError(t, err)
	srv := d.accept(t)
	srv.register("alpha")
	waitState(t, s, StateRegistered)
	require.Eventually(t, func() bool {
		reg := s.Registry()
		return reg != nil && len(reg.Names()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, hc.AddHandler("ghost"), ErrUnknownHandler)
	assert.ErrorIs(t, hc.RemoveHandler("ghost"), ErrHandlerNotLoaded)

	require.NoError(t, hc.AddHandler("echo"))
	require.Eventually(t, func() bool {
		return len(s.Registry().Names()) == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"control", "echo"}, m.Handlers())
}
