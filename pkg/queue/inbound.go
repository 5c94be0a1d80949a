package queue

import (
	"sync"

	"github.com/aeolun/superbot/pkg/protocol"
)

// Entry pairs an inbound message with the session that received it
type Entry[S any] struct {
	Message protocol.Message
	Session S
}

// Inbound is an unbounded FIFO shared by all sessions. Producers never
// block; one waiting consumer is woken per message.
type Inbound[S any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []Entry[S]
	closed  bool
}

// NewInbound creates an empty inbound queue
func NewInbound[S any]() *Inbound[S] {
	q := &Inbound[S]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends a message tagged with its session
func (q *Inbound[S]) Enqueue(msg protocol.Message, session S) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.entries = append(q.entries, Entry[S]{Message: msg, Session: session})
	q.mu.Unlock()
	q.cond.Signal()
	return nil
}

// DequeueBlocking waits for the oldest entry. ok is false once the queue
// is closed; entries still queued at Close are discarded.
func (q *Inbound[S]) DequeueBlocking() (Entry[S], bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return Entry[S]{}, false
	}
	e := q.entries[0]
	q.entries[0] = Entry[S]{}
	q.entries = q.entries[1:]
	return e, true
}

// Len returns the number of waiting entries
func (q *Inbound[S]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close wakes every blocked consumer
func (q *Inbound[S]) Close() {
	q.mu.Lock()
	q.closed = true
	q.entries = nil
	q.mu.Unlock()
	q.cond.Broadcast()
}
