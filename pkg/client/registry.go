package client

import (
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/protocol"
)

type subscription struct {
	owner string
	fn    MessageFunc
}

type eventSubscription struct {
	owner string
	fn    EventFunc
}

// Registry holds one session's handler instances and their subscriptions.
// It is rebuilt on every load.
type Registry struct {
	session *Session
	catalog Catalog
	metrics *Metrics

	mu       sync.RWMutex
	handlers map[string]Handler
	contexts map[string]*HandlerContext
	order    []string
	byKind   map[protocol.Kind][]subscription
	byEvent  map[int][]eventSubscription
}

func newRegistry(s *Session, catalog Catalog, metrics *Metrics) *Registry {
	r := &Registry{session: s, catalog: catalog, metrics: metrics}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.handlers = make(map[string]Handler)
	r.contexts = make(map[string]*HandlerContext)
	r.order = nil
	r.byKind = make(map[protocol.Kind][]subscription)
	r.byEvent = make(map[int][]eventSubscription)
}

func (r *Registry) subscribe(owner string, kind protocol.Kind, fn MessageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKind[kind] = append(r.byKind[kind], subscription{owner: owner, fn: fn})
}

func (r *Registry) subscribeEvent(owner string, id int, fn EventFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent[id] = append(r.byEvent[id], eventSubscription{owner: owner, fn: fn})
}

// Handler returns the named handler, or ErrHandlerNotLoaded
func (r *Registry) Handler(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotLoaded, name)
	}
	return h, nil
}

// Names returns the loaded handlers in load order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Dispatch delivers msg to every handler subscribed to its kind. A failing
// handler does not stop delivery to the rest.
func (r *Registry) Dispatch(msg protocol.Message) {
	kind := msg.Kind()
	r.mu.RLock()
	subs := append([]subscription(nil), r.byKind[kind]...)
	r.mu.RUnlock()

	for _, sub := range subs {
		start := time.Now()
		r.guard(sub.owner, kind.String(), func() error { return sub.fn(msg) })
		r.metrics.RecordDispatch(sub.owner, time.Since(start))
	}
}

// Trigger delivers an event to every handler subscribed to id
func (r *Registry) Trigger(id int, payload any) {
	r.mu.RLock()
	subs := append([]eventSubscription(nil), r.byEvent[id]...)
	r.mu.RUnlock()

	what := fmt.Sprintf("event %d", id)
	for _, sub := range subs {
		r.guard(sub.owner, what, func() error { return sub.fn(id, payload) })
	}
}

// guard runs fn, logging and counting an error or panic against handler
func (r *Registry) guard(handler, what string, fn func() error) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("[%s] handler %s panicked on %s: %v\n%s", r.session.Name(), handler, what, rec, debug.Stack())
			r.metrics.RecordHandlerFault(handler)
			ok = false
		}
	}()
	if err := fn(); err != nil {
		log.Printf("[%s] handler %s failed on %s: %v", r.session.Name(), handler, what, err)
		r.metrics.RecordHandlerFault(handler)
		return false
	}
	return true
}

// load instantiates every named handler, then initialises them with the
// matching entry of states. Handlers that fail either step are dropped.
func (r *Registry) load(names []string, states map[string]any) {
	var created []string
	for _, name := range names {
		factory, ok := r.catalog[name]
		if !ok {
			log.Printf("[%s] %v: %s", r.session.Name(), ErrUnknownHandler, name)
			continue
		}
		r.mu.RLock()
		_, dup := r.handlers[name]
		r.mu.RUnlock()
		if dup {
			continue
		}

		hc := newHandlerContext(r, name)
		var h Handler
		if !r.guard(name, "create", func() (err error) {
			h, err = factory(hc)
			return err
		}) {
			r.drop(name)
			continue
		}

		r.mu.Lock()
		r.handlers[name] = h
		r.contexts[name] = hc
		r.order = append(r.order, name)
		r.mu.Unlock()
		created = append(created, name)
	}

	for _, name := range created {
		r.mu.RLock()
		h := r.handlers[name]
		r.mu.RUnlock()
		if !r.guard(name, "init", func() error { return h.Init(states[name]) }) {
			r.drop(name)
		}
	}

	if loaded := r.Names(); len(loaded) > 0 {
		log.Printf("[%s] Loaded handlers: %v", r.session.Name(), loaded)
	}
}

// drop removes one handler along with its subscriptions and timers
func (r *Registry) drop(name string) {
	r.mu.Lock()
	hc := r.contexts[name]
	delete(r.handlers, name)
	delete(r.contexts, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	for kind, subs := range r.byKind {
		r.byKind[kind] = withoutOwner(subs, name, func(s subscription) string { return s.owner })
	}
	for id, subs := range r.byEvent {
		r.byEvent[id] = withoutOwner(subs, name, func(s eventSubscription) string { return s.owner })
	}
	r.mu.Unlock()

	if hc != nil {
		hc.cancelTimers()
	}
}

func withoutOwner[T any](subs []T, owner string, ownerOf func(T) string) []T {
	out := subs[:0:0]
	for _, s := range subs {
		if ownerOf(s) != owner {
			out = append(out, s)
		}
	}
	return out
}

// snapshot collects every handler's saved state, then unloads them all
func (r *Registry) snapshot() map[string]any {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	handlers := make(map[string]Handler, len(r.handlers))
	for name, h := range r.handlers {
		handlers[name] = h
	}
	r.mu.RUnlock()

	states := make(map[string]any)
	for _, name := range order {
		saver, ok := handlers[name].(StateSaver)
		if !ok {
			continue
		}
		var state any
		if r.guard(name, "save", func() (err error) {
			state, err = saver.SaveState()
			return err
		}) {
			states[name] = state
		}
	}

	r.teardown()
	return states
}

// teardown unloads every handler without saving state
func (r *Registry) teardown() {
	r.mu.Lock()
	contexts := r.contexts
	r.reset()
	r.mu.Unlock()

	for _, hc := range contexts {
		hc.cancelTimers()
	}
}
