package client

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/aeolun/superbot/pkg/queue"
)

// workerBackoff is how long a worker pauses after an unexpected fault
var workerBackoff = 2 * time.Second

func (m *Manager) enqueue(msg protocol.Message, s *Session) {
	if err := m.inbound.Enqueue(msg, s); err != nil {
		debugLog.Printf("[%s] inbound dropped %s: %v", s.Name(), msg.Kind(), err)
		return
	}
	m.metrics.RecordInboundDepth(m.inbound.Len())
}

// worker drains the inbound queue until it is closed
func (m *Manager) worker(ctx context.Context, id int) {
	for {
		entry, ok := m.inbound.DequeueBlocking()
		if !ok {
			return
		}
		m.metrics.RecordInboundDepth(m.inbound.Len())

		if err := m.process(entry); err != nil {
			log.Printf("Worker %d: %v", id, err)
			select {
			case <-ctx.Done():
			case <-time.After(workerBackoff):
			}
		}
	}
}

// process dispatches one entry. Handler faults are isolated by the
// registry; anything escaping it is returned as an error.
func (m *Manager) process(entry queue.Entry[*Session]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("dispatch of %s panicked: %v\n%s", describeEntry(entry), rec, debug.Stack())
		}
	}()

	reg := entry.Session.Registry()
	if reg == nil {
		return nil
	}
	reg.Dispatch(entry.Message)
	return nil
}

func describeEntry(entry queue.Entry[*Session]) string {
	kind, name := "nil message", "no session"
	if entry.Message != nil {
		kind = entry.Message.Kind().String()
	}
	if entry.Session != nil {
		name = entry.Session.name
	}
	return kind + " for " + name
}
