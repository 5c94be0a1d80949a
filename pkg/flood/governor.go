package flood

import (
	"io"
	"log"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/queue"
	"github.com/aeolun/superbot/pkg/timer"
	"golang.org/x/time/rate"
)

// Config holds the pacing constants. They approximate a typical server's
// flood protection and are not protocol-mandated.
type Config struct {
	Cost           time.Duration // virtual server time consumed per message
	Window         time.Duration // how far the cursor may run ahead before sends are deferred
	MaxOutstanding int           // bytes believed to be queued server-side before writes pause
	RetryDelay     time.Duration // wait before retrying a paused write
	DrainDelay     time.Duration // how long a written line counts as outstanding
}

// DefaultConfig returns the standard pacing
func DefaultConfig() Config {
	return Config{
		Cost:           2000 * time.Millisecond,
		Window:         10000 * time.Millisecond,
		MaxOutstanding: 512,
		RetryDelay:     500 * time.Millisecond,
		DrainDelay:     10000 * time.Millisecond,
	}
}

// Scheduler is the part of timer.Group the governor needs
type Scheduler interface {
	Schedule(fn func(), delay time.Duration) *timer.Task
}

// Hooks observe governor activity. Any field may be nil.
type Hooks struct {
	Sent         func(line string, n int)
	Deferred     func(wait time.Duration)
	BackPressure func(outstanding int)
	WriteFailed  func(err error)
}

// Governor drains a session's outbound queue onto the wire at a pace the
// server will tolerate
type Governor struct {
	name  string
	cfg   Config
	queue *queue.Outbound
	sched Scheduler
	now   func() time.Time
	hooks Hooks

	mu          sync.Mutex
	cursor      time.Time
	outstanding int

	writeMu sync.Mutex
	w       io.Writer

	warn rate.Sometimes
}

// New creates a governor writing to w. Deferred sends and drain
// bookkeeping are scheduled on sched, normally the connection's root
// timer group.
func New(name string, w io.Writer, sched Scheduler, cfg Config) *Governor {
	return &Governor{
		name:  name,
		cfg:   cfg,
		queue: queue.NewOutbound(),
		sched: sched,
		now:   time.Now,
		w:     w,
		warn:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// SetClock replaces the time source (for testing)
func (g *Governor) SetClock(now func() time.Time) {
	g.now = now
}

// SetHooks installs observers
func (g *Governor) SetHooks(h Hooks) {
	g.hooks = h
}

// Send queues msg and either writes the next message now or schedules a
// deferred write when the cursor has run past the window
func (g *Governor) Send(msg protocol.Outbound, priority int) error {
	if err := g.queue.Enqueue(msg, priority); err != nil {
		return err
	}

	g.mu.Lock()
	now := g.now()
	if g.cursor.Before(now) {
		g.cursor = now
	}
	g.cursor = g.cursor.Add(g.cfg.Cost)
	wait := g.cursor.Sub(now) - g.cfg.Window
	g.mu.Unlock()

	if wait > 0 {
		if g.hooks.Deferred != nil {
			g.hooks.Deferred(wait)
		}
		g.sched.Schedule(g.sendNow, wait)
		return nil
	}
	g.sendNow()
	return nil
}

func (g *Governor) sendNow() {
	g.mu.Lock()
	outstanding := g.outstanding
	g.mu.Unlock()

	if outstanding > g.cfg.MaxOutstanding {
		g.warn.Do(func() {
			log.Printf("[%s] outbound paused, %d bytes outstanding", g.name, outstanding)
		})
		if g.hooks.BackPressure != nil {
			g.hooks.BackPressure(outstanding)
		}
		g.sched.Schedule(g.sendNow, g.cfg.RetryDelay)
		return
	}

	g.writeMu.Lock()
	msg, ok := g.queue.Dequeue()
	if !ok {
		g.writeMu.Unlock()
		return
	}
	rendered := msg.String()
	line := protocol.FormatLine(rendered)
	_, err := g.w.Write(line)
	g.writeMu.Unlock()

	if err != nil {
		if g.hooks.WriteFailed != nil {
			g.hooks.WriteFailed(err)
		}
		return
	}

	n := len(line)
	g.mu.Lock()
	g.outstanding += n
	g.mu.Unlock()
	if g.hooks.Sent != nil {
		g.hooks.Sent(rendered, n)
	}

	g.sched.Schedule(func() {
		g.mu.Lock()
		g.outstanding -= n
		g.mu.Unlock()
	}, g.cfg.DrainDelay)
}

// Outstanding returns the bytes currently counted against the server
func (g *Governor) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Pending returns the number of queued, unsent messages
func (g *Governor) Pending() int {
	return g.queue.Len()
}

// Close rejects further sends
func (g *Governor) Close() {
	g.queue.Close()
}
