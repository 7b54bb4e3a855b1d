package emit

import (
	"context"
	"sync"
)

// BufferedEmitter stores events in memory, indexed by JobID, for tests and
// post-run inspection (e.g. a CLI summarizing what a demo job did).
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit appends event to its job's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// EmitBatch appends every event in order.
func (b *BufferedEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		b.Emit(e)
	}
	return nil
}

// Flush is a no-op: events are already durable in memory.
func (b *BufferedEmitter) Flush(context.Context) error { return nil }

// History returns a copy of all events recorded for jobID, in emission order.
func (b *BufferedEmitter) History(jobID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.events[jobID]
	out := make([]Event, len(src))
	copy(out, src)
	return out
}

// Clear discards the history for jobID.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, jobID)
}
