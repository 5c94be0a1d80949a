package queue

import (
	"errors"
	"sort"
	"sync"

	"github.com/aeolun/superbot/pkg/protocol"
)

var (
	ErrQueueClosed = errors.New("queue closed")
)

// bucket holds every pending message of one priority, served round-robin
// across targets
type bucket struct {
	priority int
	order    []string
	pending  map[string][]protocol.Outbound
}

func (b *bucket) push(msg protocol.Outbound) {
	target := msg.Target()
	list, ok := b.pending[target]
	if !ok {
		b.order = append(b.order, target)
	}
	b.pending[target] = append(list, msg)
}

func (b *bucket) pop() protocol.Outbound {
	target := b.order[0]
	b.order = b.order[1:]

	list := b.pending[target]
	msg := list[0]
	list[0] = nil
	list = list[1:]
	if len(list) == 0 {
		delete(b.pending, target)
	} else {
		b.pending[target] = list
		b.order = append(b.order, target)
	}
	return msg
}

func (b *bucket) empty() bool {
	return len(b.order) == 0
}

// Outbound orders messages awaiting transmission. Higher priorities are
// always served first; within a priority, targets take turns and each
// target keeps its own arrival order.
type Outbound struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buckets []*bucket // descending priority
	size    int
	closed  bool
}

// NewOutbound creates an empty outbound queue
func NewOutbound() *Outbound {
	q := &Outbound{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue adds msg at the given priority
func (q *Outbound) Enqueue(msg protocol.Outbound, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	i := sort.Search(len(q.buckets), func(i int) bool {
		return q.buckets[i].priority <= priority
	})
	if i == len(q.buckets) || q.buckets[i].priority != priority {
		b := &bucket{priority: priority, pending: make(map[string][]protocol.Outbound)}
		q.buckets = append(q.buckets, nil)
		copy(q.buckets[i+1:], q.buckets[i:])
		q.buckets[i] = b
	}
	q.buckets[i].push(msg)
	q.size++
	q.cond.Signal()
	return nil
}

// dequeueLocked pops the next message; the caller holds q.mu and has
// checked the queue is non-empty
func (q *Outbound) dequeueLocked() protocol.Outbound {
	b := q.buckets[0]
	msg := b.pop()
	if b.empty() {
		q.buckets[0] = nil
		q.buckets = q.buckets[1:]
	}
	q.size--
	return msg
}

// Dequeue returns the next message without waiting. ok is false when the
// queue is empty.
func (q *Outbound) Dequeue() (protocol.Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buckets) == 0 {
		return nil, false
	}
	return q.dequeueLocked(), true
}

// DequeueBlocking waits for the next message. ok is false once the queue
// has been closed and drained.
func (q *Outbound) DequeueBlocking() (protocol.Outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buckets) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	return q.dequeueLocked(), true
}

// Len returns the number of queued messages
func (q *Outbound) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close rejects further messages and wakes blocked consumers
func (q *Outbound) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}
