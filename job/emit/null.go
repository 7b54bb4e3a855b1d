package emit

import "context"

// NullEmitter discards every event. Used when observability wiring is not
// needed, e.g. short-lived CLI demos.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that does nothing.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards event.
func (n *NullEmitter) Emit(Event) {}

// EmitBatch discards events.
func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op.
func (n *NullEmitter) Flush(context.Context) error { return nil }
