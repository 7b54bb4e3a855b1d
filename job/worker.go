package job

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/hatmanstack/plot-palette/job/emit"
	"github.com/hatmanstack/plot-palette/job/model"
	"github.com/hatmanstack/plot-palette/job/render"
	"github.com/hatmanstack/plot-palette/job/store"
)

// WorkerTemplate is the in-memory, already-resolved form of a template a
// Worker renders against: ordered steps plus the schema paths a record
// must satisfy to be accepted.
type WorkerTemplate struct {
	TemplateID string
	Version    int
	Steps      []TemplateStep
	Schema     []string
}

// Worker is the generation worker runtime: for one job it renders
// prompts, invokes the model, accumulates accepted records, and persists
// checkpoints. It never writes job status directly — that is the
// dispatcher's exclusive responsibility.
type Worker struct {
	jobs      store.JobStore
	templates store.TemplateStore
	seeds     store.SeedSource
	exports   store.BlobStore
	checkpts  *CheckpointEngine
	cost      *CostTracker
	client    model.Client
	emitter   emit.Emitter
	cfg       Config
}

// NewWorker wires together the stores, checkpoint engine, cost tracker, and
// model client a worker needs to run a job.
func NewWorker(jobs store.JobStore, templates store.TemplateStore, seeds store.SeedSource, exports store.BlobStore, checkpts *CheckpointEngine, cost *CostTracker, client model.Client, emitter emit.Emitter, cfg Config) *Worker {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Worker{
		jobs: jobs, templates: templates, seeds: seeds, exports: exports,
		checkpts: checkpts, cost: cost, client: client, emitter: emitter, cfg: cfg,
	}
}

// Run executes the worker algorithm for jobID until it reaches its target
// record count, the budget guard rejects a call, the context is cancelled
// (preemption), or a permanent error occurs. It returns nil only when the
// job's final checkpoint is marked Completed.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	j, err := w.jobs.Get(ctx, jobID)
	if err != nil {
		return NewError(KindPermanentJob, ReasonJobNotFound, err)
	}

	tmplRec, err := w.templates.Get(ctx, j.TemplateID, j.TemplateVersion)
	if err != nil {
		return NewError(KindPermanentJob, ReasonTemplateRenderError, err)
	}
	tmpl := decodeTemplate(tmplRec)

	blob, meta, resumed, err := w.checkpts.Load(ctx, jobID)
	if err != nil {
		return err
	}

	obs := observed{version: meta.Version, tag: meta.Tag}
	if !resumed {
		blob = CheckpointBlob{
			JobID:            jobID,
			RNGSeed:          seedFromJobID(jobID),
			CompletedIndexes: make(map[int]struct{}),
		}
		obs = observed{version: 0, tag: ""}
	} else if blob.CompletedIndexes == nil {
		blob.CompletedIndexes = make(map[int]struct{})
		w.emitter.Emit(emit.Event{JobID: jobID, Component: "worker", Step: meta.Version, Msg: "reconciliation"})
	}

	w.cost.Register(jobID, j.BudgetLimit, blob.Cost, blob.TokensUsed, blob.RecordsGenerated)

	pending := make([]Record, 0, w.cfg.CheckpointInterval)

	for blob.RecordsGenerated < j.TargetRecords {
		if err := ctx.Err(); err != nil {
			return w.preempt(jobID, blob, obs, pending)
		}

		projected := w.projectBatchCost(tmpl, w.cfg.CheckpointInterval)
		if err := w.cost.CheckBudget(jobID, projected); err != nil {
			w.flushPartial(ctx, jobID, &blob, &obs, pending)
			if w.cfg.Metrics != nil {
				w.cfg.Metrics.IncrementBudgetRejections(jobID)
			}
			w.emitter.Emit(emit.Event{JobID: jobID, Component: "worker", Msg: "budget-rejected"})
			return err
		}

		record, rejected, err := w.generateRecord(ctx, jobID, j.SeedLocator, tmpl, blob.RNGSeed, blob.LastBatchIndex)
		if err != nil {
			if KindOf(err) == KindCancellation {
				return w.preempt(jobID, blob, obs, pending)
			}
			return err
		}
		blob.LastBatchIndex++
		if rejected {
			blob.RecordsRejected++
			continue
		}

		pending = append(pending, record)
		blob.RecordsGenerated++
		w.cost.RecordRecordsGenerated(jobID, 1)

		if len(pending) >= w.cfg.CheckpointInterval || blob.RecordsGenerated >= j.TargetRecords {
			if err := w.commitBatch(ctx, jobID, &blob, &obs, pending, blob.RecordsGenerated >= j.TargetRecords); err != nil {
				return err
			}
			pending = pending[:0]
		}
	}

	// A target that is met without a completed checkpoint (a target of 0,
	// or resumed counters that already reach it) commits one here.
	if !blob.Completed {
		if err := w.commitBatch(ctx, jobID, &blob, &obs, pending, true); err != nil {
			return err
		}
	}

	return w.finalize(ctx, jobID, j.OutputFormat)
}

// generateRecord renders every template step for one record slot, invoking
// the model for each, and validates the assembled fields against the
// template's schema. A record that fails validation after the configured
// local-repair attempts is dropped (rejected = true); it does not advance
// records_generated.
func (w *Worker) generateRecord(ctx context.Context, jobID, seedLocator string, tmpl WorkerTemplate, rngSeed int64, index int) (Record, bool, error) {
	row, err := w.seeds.RowAt(ctx, seedLocator, deterministicIndex(rngSeed, index))
	if err != nil {
		return Record{}, false, NewError(KindTransient, ReasonStoreUnavailable, err)
	}

	for attempt := 0; attempt <= w.cfg.LocalRepairAttempts; attempt++ {
		var lastErr error
		outputs := make(map[string]string, len(tmpl.Steps))
		fields := make(map[string]interface{})

		for _, step := range tmpl.Steps {
			prompt, err := render.Render(step.StepID, step.PromptSource, render.Context{Row: row, PriorOutputs: outputs})
			if err != nil {
				return Record{}, false, NewError(KindPermanentJob, ReasonTemplateRenderError, err)
			}

			out, err := w.invokeWithRetry(ctx, jobID, step.ModelTier, prompt, maxTokensPerCall, maxTokensPerCall)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return Record{}, false, NewError(KindCancellation, ReasonUserCancelled, ctxErr)
				}
				if !model.IsTransient(err) {
					// Unrecoverable on the first attempt of this step:
					// fatal per the error taxonomy, not a per-record drop.
					return Record{}, false, NewError(KindPermanentJob, ReasonTemplateRenderError, err)
				}
				lastErr = NewError(KindValidation, ReasonModelExhausted, err)
				break
			}

			outputs[step.StepID] = out.Text
			fields[step.StepID] = out.Text
			w.cost.RecordModelCall(ctx, jobID, step.ModelTier, step.ModelTier, out.InputTokens, out.OutputTokens)
		}

		if lastErr == nil {
			if missing, ok := render.ValidateSchema(fields, tmpl.Schema); !ok {
				lastErr = NewError(KindValidation, "schema-field-missing", errFieldMissing(missing))
			} else {
				return Record{Index: index, Fields: fields}, false, nil
			}
		}
	}

	return Record{}, true, nil
}

// maxTokensPerCall bounds both the worst-case cost projection and the
// actual per-call token ceiling passed to the model client, so the budget
// guard's projection never understates what a call can actually spend.
const maxTokensPerCall = 4096

// invokeWithRetry calls the model client, retrying transient/quota errors
// with exponential backoff up to ModelCallRetries.
func (w *Worker) invokeWithRetry(ctx context.Context, jobID, tier, prompt string, maxInputTokens, maxOutputTokens int) (model.Output, error) {
	var out model.Output
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	err := retryLoop(w.cfg.ModelCallRetries+1, w.cfg, rng, time.Sleep, model.IsTransient, func(attempt int) error {
		callCtx := ctx
		var cancel context.CancelFunc
		if w.cfg.ModelCallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, w.cfg.ModelCallTimeout)
		}
		o, invokeErr := w.client.Invoke(callCtx, tier, prompt, maxInputTokens, maxOutputTokens)
		if cancel != nil {
			cancel()
		}
		if invokeErr != nil {
			if attempt < w.cfg.ModelCallRetries && model.IsTransient(invokeErr) && w.cfg.Metrics != nil {
				w.cfg.Metrics.IncrementModelRetries(jobID, "transient")
			}
			return invokeErr
		}
		out = o
		return nil
	})
	if err != nil {
		return model.Output{}, err
	}
	return out, nil
}

// projectBatchCost computes the worst-case cost of one checkpoint batch:
// batch size times the number of template steps times the per-call upper
// bound of the most expensive model tier the template uses.
func (w *Worker) projectBatchCost(tmpl WorkerTemplate, batchSize int) float64 {
	var maxPerCall float64
	for _, step := range tmpl.Steps {
		if c := w.cost.ProjectCallCost(step.ModelTier, maxTokensPerCall, maxTokensPerCall); c > maxPerCall {
			maxPerCall = c
		}
	}
	return maxPerCall * float64(len(tmpl.Steps)) * float64(batchSize)
}

// commitBatch persists the accumulated buffer through the checkpoint
// engine and clears obs/blob to the newly committed version.
func (w *Worker) commitBatch(ctx context.Context, jobID string, blob *CheckpointBlob, obs *observed, pending []Record, completed bool) error {
	blob.PartialBatch = nil
	blob.Completed = completed
	for _, r := range pending {
		blob.CompletedIndexes[r.Index] = struct{}{}
	}
	blob.AcceptedRecords = append(blob.AcceptedRecords, pending...)

	newMeta, err := w.checkpts.Commit(ctx, jobID, *blob, *obs)
	if err != nil {
		if KindOf(err) == KindConflict {
			// The checkpoint engine already exhausted its own conflict
			// retries; further retries here would not help, so this
			// escalates to a fatal job error instead of looping.
			return NewError(KindPermanentJob, ReasonCheckpointContention, err)
		}
		return err
	}
	obs.version = newMeta.Version
	obs.tag = newMeta.Tag
	w.emitter.Emit(emit.Event{JobID: jobID, Component: "checkpoint", Step: newMeta.Version, Msg: "checkpoint-committed"})
	return nil
}

// flushPartial persists whatever is in pending as a best-effort checkpoint
// without marking completion, used on budget rejection and preemption.
func (w *Worker) flushPartial(ctx context.Context, jobID string, blob *CheckpointBlob, obs *observed, pending []Record) {
	if len(pending) == 0 {
		return
	}
	_ = w.commitBatch(ctx, jobID, blob, obs, pending, false)
}

// preempt flushes a final checkpoint bounded by PreemptGrace and returns a
// cancellation error. If the flush cannot complete within the grace
// window, the partial batch is abandoned — the next resume re-does those
// records, which is safe since re-generating a dropped record is
// idempotent from the job's perspective.
func (w *Worker) preempt(jobID string, blob CheckpointBlob, obs observed, pending []Record) error {
	graceCtx, cancel := context.WithTimeout(context.Background(), w.cfg.PreemptGrace)
	defer cancel()
	w.flushPartial(graceCtx, jobID, &blob, &obs, pending)
	w.emitter.Emit(emit.Event{JobID: jobID, Component: "worker", Msg: "preempted"})
	return NewError(KindCancellation, ReasonUserCancelled, graceCtx.Err())
}

// finalize loads the terminal checkpoint, renders the export artifact,
// and persists it at export/{job_id}.{ext}, overwriting an export left by
// an earlier run of the same job.
func (w *Worker) finalize(ctx context.Context, jobID string, format ExportFormat) error {
	blob, meta, _, err := w.checkpts.Load(ctx, jobID)
	if err != nil {
		return err
	}

	records := make([]map[string]interface{}, 0, len(blob.AcceptedRecords))
	for _, r := range blob.AcceptedRecords {
		records = append(records, r.Fields)
	}

	data, ext, err := render.Export(string(format), records)
	if err != nil {
		return NewError(KindPermanentJob, ReasonTemplateRenderError, err)
	}

	key := "export/" + jobID + "." + ext
	_, tag, err := w.exports.Get(ctx, key)
	if err != nil && err != store.ErrNotFound {
		return NewError(KindTransient, ReasonStoreUnavailable, err)
	}
	if _, err := w.exports.Put(ctx, key, data, tag); err != nil {
		return NewError(KindTransient, ReasonStoreUnavailable, err)
	}

	w.emitter.Emit(emit.Event{JobID: jobID, Component: "worker", Step: meta.Version, Msg: "finalized"})
	return nil
}

func decodeTemplate(rec store.TemplateRecord) WorkerTemplate {
	var steps []TemplateStep
	_ = json.Unmarshal(rec.StepsJSON, &steps)
	var schema []string
	_ = json.Unmarshal(rec.SchemaJSON, &schema)
	return WorkerTemplate{TemplateID: rec.TemplateID, Version: rec.Version, Steps: steps, Schema: schema}
}

func seedFromJobID(jobID string) int64 {
	var h int64 = 1469598103934665603
	for _, b := range []byte(jobID) {
		h ^= int64(b)
		h *= 1099511628211
	}
	return h
}

// deterministicIndex derives a record's seed-row index from the persisted
// RNG seed and the record's own position, so that resumes replay the same
// sequence regardless of retry/reconciliation ordering.
func deterministicIndex(rngSeed int64, recordIndex int) int {
	r := rand.New(rand.NewSource(rngSeed + int64(recordIndex)))
	return r.Int()
}

type validationErr struct{ msg string }

func (e *validationErr) Error() string { return e.msg }

func errFieldMissing(path string) error {
	return &validationErr{msg: "required field missing: " + path}
}
