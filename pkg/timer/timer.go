package timer

import (
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// MinDelay is the shortest delay a task may be scheduled with
const MinDelay = 5 * time.Millisecond

// Scheduler runs every fired task on a single goroutine. Tasks must be
// short; anything slow should be handed off.
type Scheduler struct {
	fire     chan func()
	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewScheduler starts the firing goroutine
func NewScheduler() *Scheduler {
	s := &Scheduler{
		fire:     make(chan func(), 256),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case fn := <-s.fire:
			fn()
		case <-s.shutdown:
			return
		}
	}
}

// submit hands a fired task to the firing goroutine. Tasks fired after
// Close are dropped.
func (s *Scheduler) submit(fn func()) {
	select {
	case s.fire <- fn:
	case <-s.shutdown:
	}
}

// Close stops the firing goroutine. Pending timers still fire but their
// tasks are discarded.
func (s *Scheduler) Close() {
	s.once.Do(func() {
		close(s.shutdown)
	})
	<-s.done
}

// NewGroup creates a root group with no parent
func (s *Scheduler) NewGroup() *Group {
	return &Group{
		sched:    s,
		tasks:    make(map[*Task]struct{}),
		children: make(map[*Group]struct{}),
	}
}

// Group is a cancelable scope of scheduled tasks. Canceling a group stops
// its pending tasks and cancels every descendant group.
type Group struct {
	sched  *Scheduler
	parent *Group

	mu       sync.Mutex
	canceled bool
	tasks    map[*Task]struct{}
	children map[*Group]struct{}
}

// Task is a handle on one scheduled function
type Task struct {
	group *Group
	fn    func()
	t     *time.Timer
}

// NewChild creates a group whose lifetime is bounded by g. A child of a
// canceled group starts out canceled.
func (g *Group) NewChild() *Group {
	child := g.sched.NewGroup()
	child.parent = g

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		child.canceled = true
		return child
	}
	g.children[child] = struct{}{}
	return child
}

// Schedule runs fn after delay on the scheduler goroutine, unless the group
// (or an ancestor) is canceled first. Delays below MinDelay are raised to it.
func (g *Group) Schedule(fn func(), delay time.Duration) *Task {
	if delay < MinDelay {
		delay = MinDelay
	}
	task := &Task{group: g, fn: fn}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.canceled {
		return task
	}
	g.tasks[task] = struct{}{}
	task.t = time.AfterFunc(delay, func() {
		g.sched.submit(task.run)
	})
	return task
}

func (t *Task) run() {
	g := t.group
	g.mu.Lock()
	_, live := g.tasks[t]
	if g.canceled || !live {
		g.mu.Unlock()
		return
	}
	delete(g.tasks, t)
	g.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			log.Printf("timer task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	t.fn()
}

// Stop cancels this task if it has not fired yet
func (t *Task) Stop() {
	g := t.group
	g.mu.Lock()
	delete(g.tasks, t)
	g.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
}

// Canceled reports whether the group has been canceled
func (g *Group) Canceled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.canceled
}

// Pending returns the number of tasks waiting to fire in this group
// (descendants not included)
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Cancel detaches the group from its parent, cancels all children and
// stops every pending task. Safe to call more than once and from any
// goroutine.
func (g *Group) Cancel() {
	if p := g.parent; p != nil {
		p.mu.Lock()
		delete(p.children, g)
		p.mu.Unlock()
	}

	g.mu.Lock()
	if g.canceled {
		g.mu.Unlock()
		return
	}
	g.canceled = true
	children := g.children
	tasks := g.tasks
	g.children = make(map[*Group]struct{})
	g.tasks = make(map[*Task]struct{})
	g.mu.Unlock()

	for child := range children {
		child.Cancel()
	}
	for task := range tasks {
		if task.t != nil {
			task.t.Stop()
		}
	}
}
