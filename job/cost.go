package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hatmanstack/plot-palette/job/emit"
	"github.com/hatmanstack/plot-palette/job/store"
)

// defaultCostEventTTL is the retention window for append-only cost events.
const defaultCostEventTTL = 90 * 24 * time.Hour

// CostTracker maintains a job's running cost total and gates model
// invocations against its declared budget. The running total is
// authoritative for pre-call checks; the append-only event log (exposed via
// AuditEvents) is authoritative for audits.
//
// Thread-safe: CostTracker may be shared across the single worker goroutine
// and any metrics/export readers.
type CostTracker struct {
	mu sync.RWMutex

	rates     map[string]TierRate
	tolerance float64

	byJob map[string]*jobCost

	meta    store.MetadataStore
	emitter emit.Emitter
}

type jobCost struct {
	budgetLimit      float64
	costAccumulated  float64
	tokensUsed       int64
	recordsGenerated int
	events           []CostEvent
	violated         bool
	violatedAt       time.Time
}

// NewCostTracker builds a CostTracker from a tier-rate table (input/output
// USD per 1M tokens) and a fractional budget tolerance (0 = strict). meta, if
// non-nil, receives one Append per recorded model call under the
// "cost/{job_id}" partition — the durable append-only event log read back
// by AuditEvents. emitter, if nil, defaults to a no-op.
func NewCostTracker(rates map[string]TierRate, tolerance float64, meta store.MetadataStore, emitter emit.Emitter) *CostTracker {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &CostTracker{
		rates:     rates,
		tolerance: tolerance,
		byJob:     make(map[string]*jobCost),
		meta:      meta,
		emitter:   emitter,
	}
}

// costPartition returns the MetadataStore partition key under which jobID's
// cost events are appended, one row per invocation, sort-keyed by timestamp.
func costPartition(jobID string) string { return "cost/" + jobID }

// Register seeds the tracker's running total for a job, e.g. after resuming
// from a checkpoint whose metadata carries the last-known cost.
func (t *CostTracker) Register(jobID string, budgetLimit, costSoFar float64, tokensSoFar int64, recordsSoFar int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byJob[jobID] = &jobCost{
		budgetLimit:      budgetLimit,
		costAccumulated:  costSoFar,
		tokensUsed:       tokensSoFar,
		recordsGenerated: recordsSoFar,
	}
}

// rateFor resolves a tier or raw model id to its static per-1M rates. If no
// entry exists, a zero-cost rate is used and recorded so the job is never
// rejected by a missing configuration entry (the call still records the
// token counts).
func (t *CostTracker) rateFor(modelOrTier string) TierRate {
	if r, ok := t.rates[modelOrTier]; ok {
		return r
	}
	return TierRate{}
}

// ProjectCallCost returns the worst-case USD cost of a single model call
// given its declared max input/output tokens, using the tier's static rate.
func (t *CostTracker) ProjectCallCost(tier string, maxInputTokens, maxOutputTokens int) float64 {
	rate := t.rateFor(tier)
	return (float64(maxInputTokens)/1_000_000.0)*rate.InputPer1M + (float64(maxOutputTokens)/1_000_000.0)*rate.OutputPer1M
}

// CheckBudget implements the pre-call budget guard: it requires
// cost_accumulated + projected <= budget_limit * (1 + tolerance). If the
// projection would violate the budget, it marks the job as violated —
// no further model call may be attempted for this job — and returns a
// KindBudget error.
func (t *CostTracker) CheckBudget(jobID string, projected float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	jc := t.jobLocked(jobID)
	if jc.violated {
		return NewError(KindBudget, ReasonBudgetPreCall, fmt.Errorf("job %s already over budget", jobID))
	}

	limit := jc.budgetLimit * (1 + t.tolerance)
	if jc.costAccumulated+projected > limit {
		jc.violated = true
		jc.violatedAt = time.Now()
		return NewError(KindBudget, ReasonBudgetPreCall, fmt.Errorf("projected cost %.6f would exceed budget %.6f (limit %.6f)", jc.costAccumulated+projected, jc.budgetLimit, limit))
	}
	return nil
}

// RecordModelCall appends a model-call cost event and advances the running
// total. Only successful invocations are cost-accounted, matching the
// resolved open question of whether attempted or successful calls should
// be charged.
//
// The event is also appended to the metadata store's durable cost-event
// log, when one is configured. A write failure there does not fail the
// call or the job — cost accounting has already advanced in memory and the
// checkpoint blob is the recovery-critical record; the store append is an
// audit trail, so a failure is reported as a non-fatal event instead.
func (t *CostTracker) RecordModelCall(ctx context.Context, jobID, modelID, tier string, inputTokens, outputTokens int) CostEvent {
	rate := t.rateFor(tier)
	cost := (float64(inputTokens)/1_000_000.0)*rate.InputPer1M + (float64(outputTokens)/1_000_000.0)*rate.OutputPer1M

	event := CostEvent{
		ID:           uuid.NewString(),
		JobID:        jobID,
		Timestamp:    time.Now(),
		Kind:         CostEventModelCall,
		ModelID:      modelID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Cost:         cost,
		TTL:          defaultCostEventTTL,
	}

	t.mu.Lock()
	jc := t.jobLocked(jobID)
	jc.costAccumulated += cost
	jc.tokensUsed += int64(inputTokens + outputTokens)
	jc.events = append(jc.events, event)
	t.mu.Unlock()

	t.persist(ctx, event)
	return event
}

// persist appends event to the durable cost-event log. A nil meta store is
// the zero-config case (no persistence); a write error is emitted as
// cost-event-write-failed and otherwise swallowed.
func (t *CostTracker) persist(ctx context.Context, event CostEvent) {
	if t.meta == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		t.emitter.Emit(emit.Event{
			JobID: event.JobID, Component: "cost", Msg: "cost-event-write-failed",
			Meta: map[string]interface{}{"reason": ReasonCostEventWriteFailed, "error": err.Error()},
		})
		return
	}
	item := store.MetadataItem{
		PartitionKey: costPartition(event.JobID),
		SortKey:      event.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + event.ID,
		Payload:      payload,
		UpdatedAt:    event.Timestamp,
	}
	if err := t.meta.Append(ctx, item); err != nil {
		t.emitter.Emit(emit.Event{
			JobID: event.JobID, Component: "cost", Msg: "cost-event-write-failed",
			Meta: map[string]interface{}{"reason": ReasonCostEventWriteFailed, "error": err.Error()},
		})
	}
}

// RecordRecordsGenerated advances the accepted-records counter used for
// progress-monotonicity checks against the checkpoint engine.
func (t *CostTracker) RecordRecordsGenerated(jobID string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	jc := t.jobLocked(jobID)
	jc.recordsGenerated += n
}

// Totals returns the running cost/token/record totals for a job.
func (t *CostTracker) Totals(jobID string) (cost float64, tokens int64, records int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jc, ok := t.byJob[jobID]
	if !ok {
		return 0, 0, 0
	}
	return jc.costAccumulated, jc.tokensUsed, jc.recordsGenerated
}

// Events returns a copy of all cost events recorded for a job in the
// current process's memory, ordered by append time. After a worker restart
// this is empty even though AuditEvents still has the full history — use
// AuditEvents for anything that must survive a restart.
func (t *CostTracker) Events(jobID string) []CostEvent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jc, ok := t.byJob[jobID]
	if !ok {
		return nil
	}
	out := make([]CostEvent, len(jc.events))
	copy(out, jc.events)
	return out
}

// AuditEvents reads a job's full cost-event history back from the durable
// metadata store, in append order. This is the billing-authoritative log:
// unlike Events, it survives a worker restart, since it does not depend on
// the in-process jobCost.events slice. Returns nil if no store is
// configured.
func (t *CostTracker) AuditEvents(ctx context.Context, jobID string) ([]CostEvent, error) {
	if t.meta == nil {
		return nil, nil
	}
	items, err := t.meta.Scan(ctx, costPartition(jobID))
	if err != nil {
		return nil, NewError(KindTransient, ReasonStoreUnavailable, err)
	}
	events := make([]CostEvent, 0, len(items))
	for _, item := range items {
		var event CostEvent
		if err := json.Unmarshal(item.Payload, &event); err != nil {
			return nil, NewError(KindPermanentJob, ReasonCorruptBlob, err)
		}
		events = append(events, event)
	}
	return events, nil
}

// Violated reports whether the job has ever failed a budget pre-check, and
// when.
func (t *CostTracker) Violated(jobID string) (bool, time.Time) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	jc, ok := t.byJob[jobID]
	if !ok {
		return false, time.Time{}
	}
	return jc.violated, jc.violatedAt
}

func (t *CostTracker) jobLocked(jobID string) *jobCost {
	jc, ok := t.byJob[jobID]
	if !ok {
		jc = &jobCost{}
		t.byJob[jobID] = jc
	}
	return jc
}
