package database

import (
	"log"
	"sync"
	"time"

	"github.com/aeolun/superbot/pkg/config"
)

// WriteBuffer collects override changes and writes them in batches. Only
// the latest change per key is kept.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending map[string]config.Override

	flushMu sync.Mutex

	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewWriteBuffer creates a buffer that flushes every flushInterval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make(map[string]config.Override),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// QueueOverride records o, replacing any unflushed change to the same key
func (wb *WriteBuffer) QueueOverride(o config.Override) {
	wb.mu.Lock()
	wb.pending[o.Key] = o
	wb.mu.Unlock()
}

// Pending returns the number of keys waiting to be written
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.Flush()
			return
		}
	}
}

// Flush writes all pending overrides in one transaction
func (wb *WriteBuffer) Flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make(map[string]config.Override)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := wb.write(batch); err != nil {
		log.Printf("WriteBuffer: failed to write %d overrides: %v", len(batch), err)
		wb.requeue(batch)
		return
	}

	if elapsed := time.Since(start); elapsed > time.Second {
		log.Printf("WriteBuffer: flushed %d overrides in %v", len(batch), elapsed)
	}
}

func (wb *WriteBuffer) write(batch map[string]config.Override) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO config_overrides (key, value, removed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			removed = excluded.removed,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := nowMillis()
	for _, o := range batch {
		if _, err := stmt.Exec(o.Key, o.Value, o.Removed, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// requeue puts a failed batch back without clobbering newer changes
func (wb *WriteBuffer) requeue(batch map[string]config.Override) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	for key, o := range batch {
		if _, newer := wb.pending[key]; !newer {
			wb.pending[key] = o
		}
	}
}

// Close stops the flush loop after a final flush
func (wb *WriteBuffer) Close() {
	wb.closeOnce.Do(func() {
		close(wb.shutdown)
	})
	wb.wg.Wait()
}
