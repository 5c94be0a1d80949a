package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/flood"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/queue"
	"github.com/aeolun/superbot/pkg/timer"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSessionExists   = errors.New("session already running")
	ErrSessionNotFound = errors.New("session not found")
)

// Timing holds the session lifecycle delays
type Timing struct {
	RegisterDelay      time.Duration // pause between connecting and sending USER/NICK
	ReconnectDelay     time.Duration // base delay before reconnecting
	ThrottlePenalty    time.Duration // added when the server says we reconnect too fast
	TerminateGrace     time.Duration // how long a QUIT may take before the socket is closed
	HandlerChangeDelay time.Duration // delay before handler add/remove/reload runs
	ShutdownTimeout    time.Duration // how long Run waits for sessions to quit
}

// DefaultTiming returns the standard delays
func DefaultTiming() Timing {
	return Timing{
		RegisterDelay:      500 * time.Millisecond,
		ReconnectDelay:     5 * time.Second,
		ThrottlePenalty:    30 * time.Second,
		TerminateGrace:     10 * time.Second,
		HandlerChangeDelay: 500 * time.Millisecond,
		ShutdownTimeout:    15 * time.Second,
	}
}

// Manager owns every session and the state shared between them: the
// inbound queue and its workers, the timer scheduler, the set of handler
// registries and the event name table.
type Manager struct {
	cfg      *config.Config
	catalog  Catalog
	sched    *timer.Scheduler
	control  *timer.Group
	inbound  *queue.Inbound[*Session]
	metrics  *Metrics
	floodCfg flood.Config
	timing   Timing
	dial     DialFunc

	mu        sync.Mutex
	sessions  map[string]*Session
	sessionWG sync.WaitGroup

	// Guards registry membership and the loaded handler list. Never held
	// while dispatching.
	handlersMu sync.RWMutex
	registries map[*Registry]struct{}

	eventMu  sync.Mutex
	eventIDs map[string]int

	// Deferred handler changes in flight; closed once shutdown starts
	changeMu     sync.Mutex
	changes      sync.WaitGroup
	changeClosed bool
}

// NewManager creates a manager. Metrics are registered with reg (nil
// keeps them private).
func NewManager(cfg *config.Config, catalog Catalog, reg prometheus.Registerer) *Manager {
	sched := timer.NewScheduler()
	return &Manager{
		cfg:        cfg,
		catalog:    catalog,
		sched:      sched,
		control:    sched.NewGroup(),
		inbound:    queue.NewInbound[*Session](),
		metrics:    NewMetrics(reg),
		floodCfg:   flood.DefaultConfig(),
		timing:     DefaultTiming(),
		dial:       DialServer,
		sessions:   make(map[string]*Session),
		registries: make(map[*Registry]struct{}),
		eventIDs:   make(map[string]int),
	}
}

// SetFloodConfig replaces the pacing used by new connections
func (m *Manager) SetFloodConfig(cfg flood.Config) {
	m.floodCfg = cfg
}

// SetTiming replaces the lifecycle delays used by new sessions
func (m *Manager) SetTiming(t Timing) {
	m.timing = t
}

// SetDialer replaces how connections are opened
func (m *Manager) SetDialer(dial DialFunc) {
	m.dial = dial
}

// Config returns the shared configuration
func (m *Manager) Config() *config.Config {
	return m.cfg
}

// Catalog returns the available handlers
func (m *Manager) Catalog() Catalog {
	return m.catalog
}

// Run starts the worker pool and every configured clone, then blocks until
// ctx is canceled. On return all sessions have quit and workers have
// drained.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	workers := m.cfg.Workers()
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			m.worker(gctx, i)
			return nil
		})
	}
	log.Printf("Started %d workers", workers)

	g.Go(func() error {
		m.StartConfigured(gctx)
		return nil
	})

	if m.cfg.Path() != "" {
		w, err := config.NewWatcher(m.cfg, m.configChanged)
		if err != nil {
			log.Printf("Config watcher disabled: %v", err)
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		m.shutdown()
		return nil
	})

	return g.Wait()
}

// StartConfigured starts every clone in the configuration, spaced by the
// configured stagger
func (m *Manager) StartConfigured(ctx context.Context) {
	stagger := m.cfg.CloneStagger()
	for i, name := range m.cfg.Clones() {
		if i > 0 && stagger > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(stagger):
			}
		}
		if err := m.StartSession(name); err != nil && !errors.Is(err, ErrSessionExists) {
			log.Printf("Failed to start clone %s: %v", name, err)
		}
	}
}

func (m *Manager) shutdown() {
	log.Printf("Shutting down sessions...")
	m.control.Cancel()
	m.changeMu.Lock()
	m.changeClosed = true
	m.changeMu.Unlock()
	m.changes.Wait()

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()
	for _, s := range sessions {
		s.Terminate()
	}

	done := make(chan struct{})
	go func() {
		m.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.timing.ShutdownTimeout):
		log.Printf("Timed out waiting for sessions to quit")
		for _, s := range sessions {
			if conn := s.Connection(); conn != nil {
				conn.Close()
			}
		}
	}

	m.inbound.Close()
	m.sched.Close()
}

func (m *Manager) configChanged() {
	log.Printf("Configuration changed, reloading handlers")
	m.Reload()
}

// StartSession starts the named clone
func (m *Manager) StartSession(name string) error {
	if _, err := m.cfg.Clone(name); err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.sessions[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionExists, name)
	}
	s := newSession(m, name)
	m.sessions[name] = s
	m.sessionWG.Add(1)
	m.mu.Unlock()

	m.metrics.RecordSessionStarted()
	go s.run()
	s.start()
	return nil
}

func (m *Manager) sessionEnded(s *Session) {
	m.mu.Lock()
	if m.sessions[s.name] == s {
		delete(m.sessions, s.name)
	}
	m.mu.Unlock()
	m.metrics.RecordSessionEnded()
	m.sessionWG.Done()
}

// Session returns the running session called name
func (m *Manager) Session(name string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return s, nil
}

// Terminate stops the named session
func (m *Manager) Terminate(name string) error {
	s, err := m.Session(name)
	if err != nil {
		return err
	}
	s.Terminate()
	return nil
}

// Reconnect makes the named session drop and re-establish its connection
func (m *Manager) Reconnect(name string) error {
	s, err := m.Session(name)
	if err != nil {
		return err
	}
	s.Reconnect()
	return nil
}

// List describes every running session, sorted by name
func (m *Manager) List() []SessionInfo {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// ReportStatus logs text and posts it to the status channel through the
// first registered session
func (m *Manager) ReportStatus(text string) {
	log.Printf("Status: %s", text)
	channel := m.cfg.StatusChannel()
	for _, info := range m.List() {
		if info.State != StateRegistered {
			continue
		}
		s, err := m.Session(info.Name)
		if err != nil {
			continue
		}
		if err := s.Send(protocol.Notice(channel, text), PriorityNormal); err == nil {
			return
		}
	}
}

// EventID interns an event name to a stable id
func (m *Manager) EventID(name string) int {
	m.eventMu.Lock()
	defer m.eventMu.Unlock()
	if id, ok := m.eventIDs[name]; ok {
		return id
	}
	id := len(m.eventIDs) + 1
	m.eventIDs[name] = id
	return id
}

// TriggerGlobal delivers an event to the handlers of every session
func (m *Manager) TriggerGlobal(id int, payload any) {
	for _, reg := range m.registrySnapshot() {
		reg.Trigger(id, payload)
	}
}

func (m *Manager) registrySnapshot() []*Registry {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	regs := make([]*Registry, 0, len(m.registries))
	for reg := range m.registries {
		regs = append(regs, reg)
	}
	return regs
}

// attach loads the configured handlers into a freshly registered session
func (m *Manager) attach(reg *Registry) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.registries[reg] = struct{}{}
	reg.load(m.cfg.Modules(), nil)
}

// detach unloads a session's handlers when it loses its connection
func (m *Manager) detach(reg *Registry) {
	m.handlersMu.Lock()
	delete(m.registries, reg)
	m.handlersMu.Unlock()
	reg.teardown()
}

// Reload rebuilds every session's handlers from the configured list,
// carrying saved state across
func (m *Manager) Reload() {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()

	names := m.cfg.Modules()
	states := make(map[*Registry]map[string]any, len(m.registries))
	for reg := range m.registries {
		states[reg] = reg.snapshot()
	}
	for reg := range m.registries {
		reg.load(names, states[reg])
	}
	log.Printf("Reloaded handlers %v on %d sessions", names, len(m.registries))
}

// AddHandler appends name to the configured handlers and reloads
func (m *Manager) AddHandler(name string) error {
	if _, ok := m.catalog[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	names := m.cfg.Modules()
	if !slices.Contains(names, name) {
		m.cfg.SetModules(append(names, name))
	}
	m.Reload()
	return nil
}

// RemoveHandler drops name from the configured handlers and reloads
func (m *Manager) RemoveHandler(name string) error {
	names := m.cfg.Modules()
	idx := slices.Index(names, name)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotLoaded, name)
	}
	m.cfg.SetModules(slices.Delete(names, idx, idx+1))
	m.Reload()
	return nil
}

// Handlers returns the configured handler names
func (m *Manager) Handlers() []string {
	return m.cfg.Modules()
}

// deferHandlerChange runs fn after the handler change delay, off the timer
// goroutine since reloading re-initialises handlers
func (m *Manager) deferHandlerChange(fn func()) {
	m.control.Schedule(func() {
		m.changeMu.Lock()
		defer m.changeMu.Unlock()
		if m.changeClosed {
			return
		}
		m.changes.Add(1)
		go func() {
			defer m.changes.Done()
			fn()
		}()
	}, m.timing.HandlerChangeDelay)
}
