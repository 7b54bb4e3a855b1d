// Package emit provides observability event emission for the job dispatcher,
// worker runtime, checkpoint engine, and cost tracker.
package emit

// Event represents a single observability event raised while a job moves
// through the dispatcher/worker/checkpoint/cost pipeline.
//
// Events are the only channel through which the core reports what it did;
// none of the dispatcher, worker, checkpoint engine, or cost tracker write
// directly to a logger.
type Event struct {
	// JobID identifies the job this event concerns. Empty for process-level
	// events that are not scoped to a single job.
	JobID string

	// Component names the emitting subsystem: "dispatcher", "worker",
	// "checkpoint", "cost", or "render".
	Component string

	// Step is the checkpoint version at the time of the event, or zero for
	// events that occur outside a checkpoint cycle (e.g. dispatcher launch).
	Step int

	// Msg is a short, stable event name, e.g. "transition", "checkpoint-committed",
	// "checkpoint-conflict", "budget-rejected", "reconciliation", "model-retry".
	Msg string

	// Meta carries event-specific structured data. Common keys:
	//   - "from", "to": status transition endpoints
	//   - "reason": status_reason enum value
	//   - "records_generated", "tokens_used", "cost": progress counters
	//   - "error": error string for failure events
	Meta map[string]interface{}
}
