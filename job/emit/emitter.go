package emit

import "context"

// Emitter receives observability events from the dispatcher, worker,
// checkpoint engine, and cost tracker.
//
// Implementations must not block job execution for long and must not panic;
// a failing observability backend must never take down a generation job.
type Emitter interface {
	// Emit sends a single event. Implementations should treat this as
	// best-effort and never let a slow or unavailable backend stall the
	// caller for long.
	Emit(event Event)

	// EmitBatch sends multiple events, preserving order. Used by batched
	// emitters (e.g. flushing at a checkpoint boundary).
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until any buffered events have been delivered, or the
	// context is done. Safe to call multiple times.
	Flush(ctx context.Context) error
}
