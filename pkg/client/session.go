package client

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/flood"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/timer"
)

// State is a session's position in its connection lifecycle
type State int32

const (
	StateDisconnected State = iota
	StateNegotiating
	StateRegistered
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateNegotiating:
		return "negotiating"
	case StateRegistered:
		return "registered"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const (
	quitTerminated = "Clone terminated!"
	quitCollision  = "Nickname collision, reconnecting"
	quitReconnect  = "Reconnecting"

	throttleNotice = "Your host is trying to (re)connect too fast"
)

// SessionInfo is a point-in-time description of a session
type SessionInfo struct {
	Name     string
	Network  string
	Server   string
	Nickname string
	State    State
}

// Session is one clone: a named identity kept connected to its network.
// All lifecycle work runs on the session's own goroutine; transport events
// and control requests reach it as posted functions.
type Session struct {
	name    string
	manager *Manager

	events   chan func()
	done     chan struct{}
	finished bool
	timers   *timer.Group // reconnects and termination grace

	mu             sync.RWMutex
	state          State
	conn           *Connection
	settings       config.CloneSettings
	nickname       string
	registry       *Registry
	handlerGroup   *timer.Group
	terminated     bool
	reconnectDelay time.Duration

	// Owned by the session goroutine
	nicks     *NickPool
	reconnect *timer.Task
}

func newSession(m *Manager, name string) *Session {
	return &Session{
		name:           name,
		manager:        m,
		events:         make(chan func(), 256),
		done:           make(chan struct{}),
		timers:         m.sched.NewGroup(),
		reconnectDelay: m.timing.ReconnectDelay,
	}
}

func (s *Session) run() {
	defer s.manager.sessionEnded(s)
	defer close(s.done)
	for fn := range s.events {
		fn()
		if s.finished {
			return
		}
	}
}

// post runs fn on the session goroutine. Posts after the session has
// finished are dropped.
func (s *Session) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

// Done is closed once the session has terminated
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Name returns the clone name
func (s *Session) Name() string {
	return s.name
}

// Network returns the network the clone connects to
func (s *Session) Network() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Network
}

// Nickname returns the nickname currently claimed
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Registry returns the active handler registry, or nil before
// registration and while reconnecting
func (s *Session) Registry() *Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// Info describes the session
func (s *Session) Info() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SessionInfo{
		Name:     s.name,
		Network:  s.settings.Network,
		Nickname: s.nickname,
		State:    s.state,
	}
	if s.conn != nil {
		info.Server = s.conn.Server()
	}
	return info
}

// Connection returns the current transport, or nil
func (s *Session) Connection() *Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// Send queues msg on the current connection
func (s *Session) Send(msg protocol.Outbound, priority int) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(msg, priority)
}

func (s *Session) send(msg protocol.Outbound, priority int) {
	if err := s.Send(msg, priority); err != nil {
		debugLog.Printf("[%s] dropped %q: %v", s.name, msg.String(), err)
	}
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) setNickname(nick string) {
	s.mu.Lock()
	s.nickname = nick
	s.mu.Unlock()
}

// handlerTimers returns the group handler timers are created under. Outside
// a registered connection it returns an already canceled group.
func (s *Session) handlerTimers() *timer.Group {
	s.mu.RLock()
	g := s.handlerGroup
	s.mu.RUnlock()
	if g == nil {
		g = s.manager.sched.NewGroup()
		g.Cancel()
	}
	return g
}

// Terminate quits the server and stops the session for good
func (s *Session) Terminate() {
	s.post(s.terminate)
}

// Reconnect drops the current connection; the session reconnects after
// its reconnect delay
func (s *Session) Reconnect() {
	s.post(s.reconnectNow)
}

func (s *Session) start() {
	s.post(s.connect)
}

func (s *Session) connect() {
	s.reconnect = nil
	if s.terminated || s.conn != nil {
		return
	}

	m := s.manager
	settings, err := m.cfg.Clone(s.name)
	if err != nil {
		log.Printf("[%s] Not in configuration, stopping: %v", s.name, err)
		s.terminated = true
		s.finish()
		return
	}
	server, err := m.cfg.RandomServer(settings.Network)
	if err != nil {
		log.Printf("[%s] Cannot connect: %v", s.name, err)
		m.ReportStatus(fmt.Sprintf("%s cannot connect: %v", s.name, err))
		s.mu.Lock()
		s.settings = settings
		s.mu.Unlock()
		s.scheduleReconnect()
		return
	}

	var conn *Connection
	conn = NewConnection(server, settings.Bind, m.sched, m.floodCfg, m.dial, func(ev Event) {
		s.post(func() { s.handleEvent(conn, ev) })
	})
	conn.Governor().SetHooks(flood.Hooks{
		Sent:         func(_ string, n int) { m.metrics.RecordLineSent(n) },
		Deferred:     func(time.Duration) { m.metrics.RecordFloodDeferral() },
		BackPressure: func(int) { m.metrics.RecordBackPressure() },
		WriteFailed: func(err error) {
			m.metrics.RecordWriteFailure()
			log.Printf("[%s] Write to %s failed: %v", s.name, server, err)
			conn.Close()
		},
	})

	s.mu.Lock()
	s.settings = settings
	s.conn = conn
	s.state = StateNegotiating
	s.mu.Unlock()

	log.Printf("[%s] Connecting to %s (%s)", s.name, server, conn.ID())
	conn.Start()
}

func (s *Session) handleEvent(conn *Connection, ev Event) {
	if conn != s.conn {
		return
	}
	switch ev.Type {
	case EventConnected:
		s.onConnected(conn)
	case EventLine:
		s.onLine(ev.Line)
	case EventDisconnected:
		s.onDisconnected(ev.Err)
	}
}

func (s *Session) onConnected(conn *Connection) {
	log.Printf("[%s] Connected to %s", s.name, conn.Server())
	s.nicks = NewNickPool(s.settings.Nicknames)
	conn.Timers().Schedule(func() {
		s.post(func() {
			if s.conn == conn && s.state == StateNegotiating {
				s.sendRegistration()
			}
		})
	}, s.manager.timing.RegisterDelay)
}

func (s *Session) sendRegistration() {
	local := s.settings.Bind
	if local == "" {
		local = "local"
	}
	s.send(protocol.User(s.settings.Ident, local, s.settings.Network, s.settings.Realname), PriorityNormal)
	s.claimNextNick()
}

func (s *Session) claimNextNick() {
	nick := s.nicks.Next()
	s.setNickname(nick)
	s.send(protocol.Nick(nick), PriorityNormal)
}

func (s *Session) onLine(line string) {
	debugLog.Printf("[%s] ← IN: %s", s.name, line)
	msg := protocol.Parse(line)
	s.manager.metrics.RecordMessageReceived(msg.Kind())

	switch m := msg.(type) {
	case *protocol.PingMessage:
		s.send(protocol.Pong(m.Code), PriorityUrgent)
		return
	case *protocol.NumericMessage:
		if m.Code == protocol.ErrNickCollision {
			log.Printf("[%s] Nickname collision, reconnecting", s.name)
			s.send(protocol.Quit(quitCollision), PriorityUrgent)
			return
		}
	case *protocol.UnknownMessage:
		if s.isKill(line) {
			log.Printf("[%s] Killed: %s", s.name, line)
			s.conn.Close()
			return
		}
	case *protocol.NickMessage:
		if strings.EqualFold(m.OldNick(), s.Nickname()) {
			s.setNickname(m.NewNick)
		}
	}

	switch s.state {
	case StateNegotiating:
		s.negotiate(msg)
	case StateRegistered:
		s.manager.enqueue(msg, s)
	}
}

// isKill reports whether line is a server KILL aimed at our nickname
func (s *Session) isKill(line string) bool {
	idx := strings.Index(line, " KILL "+s.Nickname()+" ")
	return idx >= 0 && idx == strings.IndexByte(line, ' ')
}

func (s *Session) negotiate(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.NumericMessage:
		switch {
		case protocol.IsNicknameRejected(m.Code):
			debugLog.Printf("[%s] Nickname %s rejected (%d)", s.name, s.Nickname(), m.Code)
			s.claimNextNick()
		case protocol.IsRegistrationComplete(m.Code):
			s.register()
		}
	case *protocol.UnknownMessage:
		if strings.Contains(m.Line, throttleNotice) {
			s.reconnectDelay += s.manager.timing.ThrottlePenalty
			log.Printf("[%s] Throttled by server, next reconnect in %v", s.name, s.reconnectDelay)
		}
	}
}

func (s *Session) register() {
	s.reconnectDelay = s.manager.timing.ReconnectDelay
	reg := newRegistry(s, s.manager.catalog, s.manager.metrics)

	s.mu.Lock()
	s.handlerGroup = s.conn.Timers().NewChild()
	s.registry = reg
	s.state = StateRegistered
	s.mu.Unlock()

	s.manager.metrics.RecordRegistered(true)
	log.Printf("[%s] Registered on %s as %s", s.name, s.settings.Network, s.Nickname())
	s.manager.attach(reg)
}

func (s *Session) onDisconnected(err error) {
	wasRegistered := s.state == StateRegistered
	if s.registry != nil {
		s.manager.detach(s.registry)
	}

	s.mu.Lock()
	s.conn = nil
	s.registry = nil
	s.handlerGroup = nil
	s.mu.Unlock()

	if wasRegistered {
		s.manager.metrics.RecordRegistered(false)
	}
	if err != nil {
		log.Printf("[%s] Disconnected: %v", s.name, err)
	} else {
		log.Printf("[%s] Disconnected", s.name)
	}

	if s.terminated {
		s.finish()
		return
	}
	s.manager.ReportStatus(fmt.Sprintf("%s disconnected, reconnecting in %v", s.name, s.reconnectDelay))
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.setState(StateDisconnected)
	s.manager.metrics.RecordReconnect(s.name)
	s.reconnect = s.timers.Schedule(func() { s.post(s.connect) }, s.reconnectDelay)
}

func (s *Session) terminate() {
	if s.terminated {
		return
	}
	s.terminated = true
	log.Printf("[%s] Terminating", s.name)

	conn := s.conn
	switch {
	case conn == nil:
		s.finish()
	case conn.IsConnected():
		s.send(protocol.Quit(quitTerminated), PriorityQuit)
		s.timers.Schedule(conn.Close, s.manager.timing.TerminateGrace)
	default:
		conn.Close()
	}
}

func (s *Session) reconnectNow() {
	if s.terminated {
		return
	}
	conn := s.conn
	if conn == nil {
		if s.reconnect != nil {
			s.reconnect.Stop()
		}
		s.connect()
		return
	}
	if !conn.IsConnected() {
		conn.Close()
		return
	}
	s.send(protocol.Quit(quitReconnect), PriorityUrgent)
	conn.Timers().Schedule(conn.Close, s.manager.timing.TerminateGrace)
}

func (s *Session) finish() {
	s.setState(StateTerminated)
	s.timers.Cancel()
	s.finished = true
	log.Printf("[%s] Terminated", s.name)
}
