package dedup

import (
	"errors"
	"sync"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

// ActionWriter persists audit actions.
type ActionWriter interface {
	WriteAction(core.Action) error
}

type directActions struct{ s *SQLiteStore }

func (d directActions) WriteAction(a core.Action) error { return d.s.insertAction(a) }

// BufferedWriter batches audit actions so the hot path of mention processing
// does not wait on one INSERT per log line. A write error from a timed flush
// is reported by the next Write or by Close.
type BufferedWriter struct {
	base          ActionWriter
	batchSize     int
	flushInterval time.Duration

	mu      sync.Mutex
	buffer  []core.Action
	timer   *time.Timer
	closed  bool
	lastErr error
}

type BufferedOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewBufferedWriter(base ActionWriter, opts BufferedOptions) *BufferedWriter {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 1
	}
	return &BufferedWriter{
		base:          base,
		batchSize:     batch,
		flushInterval: opts.FlushInterval,
	}
}

func (b *BufferedWriter) WriteAction(a core.Action) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("buffered writer closed")
	}

	pendingErr := b.lastErr
	b.lastErr = nil

	b.buffer = append(b.buffer, a)
	if len(b.buffer) == 1 && b.flushInterval > 0 {
		b.startTimerLocked()
	}
	if len(b.buffer) < b.batchSize {
		b.mu.Unlock()
		return pendingErr
	}

	batch := b.takeLocked()
	b.stopTimerLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

// Pending reports how many actions are waiting for a flush.
func (b *BufferedWriter) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

func (b *BufferedWriter) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.stopTimerLocked()
	batch := b.takeLocked()
	pendingErr := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		return err
	}
	return pendingErr
}

func (b *BufferedWriter) onTimer() {
	b.mu.Lock()
	b.timer = nil
	if b.closed || len(b.buffer) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()

	if err := b.writeAll(batch); err != nil {
		b.mu.Lock()
		b.lastErr = err
		b.mu.Unlock()
	}
}

func (b *BufferedWriter) takeLocked() []core.Action {
	if len(b.buffer) == 0 {
		return nil
	}
	batch := append([]core.Action(nil), b.buffer...)
	b.buffer = b.buffer[:0]
	return batch
}

func (b *BufferedWriter) startTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.flushInterval, b.onTimer)
}

func (b *BufferedWriter) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *BufferedWriter) writeAll(batch []core.Action) error {
	for _, a := range batch {
		if err := b.base.WriteAction(a); err != nil {
			return err
		}
	}
	return nil
}
