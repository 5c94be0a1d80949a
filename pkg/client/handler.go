package client

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/config"
	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/timer"
)

// Priorities used by handlers and the session itself
const (
	PriorityNormal = 0
	PriorityUrgent = 1
	PriorityQuit   = 100
)

var (
	ErrHandlerNotLoaded = errors.New("handler not loaded")
	ErrUnknownHandler   = errors.New("unknown handler")
)

// Handler is a pluggable unit of behavior bound to one session. Init is
// called with nil on first load and with the value returned by SaveState
// after a reload.
type Handler interface {
	Init(state any) error
}

// StateSaver is implemented by handlers that carry state across reloads
type StateSaver interface {
	SaveState() (any, error)
}

// Factory constructs a handler. Sibling handlers already exist when a
// factory runs but are not initialised yet.
type Factory func(hc *HandlerContext) (Handler, error)

// Catalog maps handler names to factories
type Catalog map[string]Factory

// Names returns the catalog's handler names in sorted order
func (c Catalog) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MessageFunc receives inbound messages of a subscribed kind
type MessageFunc func(msg protocol.Message) error

// EventFunc receives triggered events
type EventFunc func(id int, payload any) error

// HandlerContext is a handler's view of its session and the manager
type HandlerContext struct {
	name     string
	session  *Session
	registry *Registry

	mu     sync.Mutex
	timers *timer.Group
}

func newHandlerContext(r *Registry, name string) *HandlerContext {
	return &HandlerContext{name: name, session: r.session, registry: r}
}

// Name returns the handler's registered name
func (hc *HandlerContext) Name() string { return hc.name }

// Clone returns the session's name
func (hc *HandlerContext) Clone() string { return hc.session.Name() }

// Network returns the session's network
func (hc *HandlerContext) Network() string { return hc.session.Network() }

// Nickname returns the session's current nickname
func (hc *HandlerContext) Nickname() string { return hc.session.Nickname() }

// Config returns the shared configuration
func (hc *HandlerContext) Config() *config.Config { return hc.session.manager.cfg }

// Var resolves a variable through the channel, network and global scopes
// of this session's network
func (hc *HandlerContext) Var(name, channel string) (string, bool) {
	return hc.Config().Var(name, hc.Network(), channel)
}

// SetDefault registers the global default for one of this handler's
// variables
func (hc *HandlerContext) SetDefault(name, value string) {
	hc.Config().SetVarDefault(hc.name+","+name, value)
}

// Send queues msg at normal priority
func (hc *HandlerContext) Send(msg protocol.Outbound) error {
	return hc.session.Send(msg, PriorityNormal)
}

// SendUrgent queues msg ahead of normal traffic
func (hc *HandlerContext) SendUrgent(msg protocol.Outbound) error {
	return hc.session.Send(msg, PriorityUrgent)
}

// SendPriority queues msg at an explicit priority
func (hc *HandlerContext) SendPriority(msg protocol.Outbound, priority int) error {
	return hc.session.Send(msg, priority)
}

// On subscribes fn to inbound messages of kind
func (hc *HandlerContext) On(kind protocol.Kind, fn MessageFunc) {
	hc.registry.subscribe(hc.name, kind, fn)
}

// OnEvent subscribes fn to event id
func (hc *HandlerContext) OnEvent(id int, fn EventFunc) {
	hc.registry.subscribeEvent(hc.name, id, fn)
}

// EventID interns an event name
func (hc *HandlerContext) EventID(name string) int {
	return hc.session.manager.EventID(name)
}

// Trigger delivers an event to this session's handlers
func (hc *HandlerContext) Trigger(id int, payload any) {
	hc.registry.Trigger(id, payload)
}

// TriggerGlobal delivers an event to the handlers of every session
func (hc *HandlerContext) TriggerGlobal(id int, payload any) {
	hc.session.manager.TriggerGlobal(id, payload)
}

// Timers returns the handler's timer group. It is canceled when the
// handler is unloaded or the connection drops.
func (hc *HandlerContext) Timers() *timer.Group {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.timers == nil {
		hc.timers = hc.session.handlerTimers().NewChild()
	}
	return hc.timers
}

func (hc *HandlerContext) cancelTimers() {
	hc.mu.Lock()
	timers := hc.timers
	hc.timers = nil
	hc.mu.Unlock()
	if timers != nil {
		timers.Cancel()
	}
}

// Handler looks up a sibling handler on the same session
func (hc *HandlerContext) Handler(name string) (Handler, error) {
	return hc.registry.Handler(name)
}

// Manager returns the session manager
func (hc *HandlerContext) Manager() *Manager {
	return hc.session.manager
}

// ReportStatus posts text to the status channel
func (hc *HandlerContext) ReportStatus(text string) {
	hc.session.manager.ReportStatus(text)
}

// Reload reloads every session's handlers shortly after the current
// dispatch returns
func (hc *HandlerContext) Reload() {
	hc.session.manager.deferHandlerChange(func() { hc.session.manager.Reload() })
}

// AddHandler adds name to the configured handlers and reloads
func (hc *HandlerContext) AddHandler(name string) error {
	m := hc.session.manager
	if _, ok := m.catalog[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}
	m.deferHandlerChange(func() {
		if err := m.AddHandler(name); err != nil {
			m.ReportStatus(fmt.Sprintf("Could not add %s: %v", name, err))
		}
	})
	return nil
}

// RemoveHandler removes name from the configured handlers and reloads
func (hc *HandlerContext) RemoveHandler(name string) error {
	m := hc.session.manager
	if !slices.Contains(m.cfg.Modules(), name) {
		return fmt.Errorf("%w: %s", ErrHandlerNotLoaded, name)
	}
	m.deferHandlerChange(func() {
		if err := m.RemoveHandler(name); err != nil {
			m.ReportStatus(fmt.Sprintf("Could not remove %s: %v", name, err))
		}
	})
	return nil
}

// LastRead returns when the session last received a line
func (hc *HandlerContext) LastRead() time.Time {
	if conn := hc.session.Connection(); conn != nil {
		return conn.LastRead()
	}
	return time.Time{}
}
