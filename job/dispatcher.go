package job

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hatmanstack/plot-palette/job/emit"
	"github.com/hatmanstack/plot-palette/job/store"
)

// restartState tracks, in-process, how many times the dispatcher has
// re-launched a worker for a job after a non-terminal exit.
type restartState struct {
	handle     store.TaskHandle
	restarts   int
	launchedAt time.Time
}

// Dispatcher owns the job status state machine. It materializes
// worker tasks through a ComputeRuntime, polls their liveness, and
// reconciles on task exit. It is the only component permitted to mutate
// Job.Status.
type Dispatcher struct {
	jobs    store.JobStore
	runtime store.ComputeRuntime
	meta    store.MetadataStore
	emitter emit.Emitter
	cfg     Config

	mu         chanMutex
	tasks      map[string]*restartState
	queueDepth int
}

// chanMutex is a trivial channel-based mutex; used instead of sync.Mutex
// only so the zero-value Dispatcher (via NewDispatcher) reads cleanly next
// to the map it guards.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

// NewDispatcher builds a Dispatcher over the given job store, compute
// runtime, and checkpoint-metadata store (used for heartbeat staleness
// checks).
func NewDispatcher(jobs store.JobStore, runtime store.ComputeRuntime, meta store.MetadataStore, emitter emit.Emitter, cfg Config) *Dispatcher {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Dispatcher{
		jobs: jobs, runtime: runtime, meta: meta, emitter: emitter, cfg: cfg,
		mu: newChanMutex(), tasks: make(map[string]*restartState),
	}
}

// Enqueue transitions a job to QUEUED, atomically inserting its queue
// entry. Called at job creation.
func (d *Dispatcher) Enqueue(ctx context.Context, rec store.JobRecord) error {
	rec.Status = string(StatusQueued)
	if err := d.jobs.InsertWithQueueEntry(ctx, rec); err != nil {
		return NewError(KindPermanentJob, ReasonLaunchFailed, err)
	}
	d.mu.Lock()
	d.queueDepth++
	d.mu.Unlock()
	d.reportGauges()
	d.emitter.Emit(emit.Event{JobID: rec.JobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"to": string(StatusQueued)}})
	return nil
}

// DispatchNext pops the oldest QUEUED job (FIFO, job id tiebreak) and
// launches it. The QUEUED->RUNNING transition is only recorded after the
// compute runtime has accepted the launch.
func (d *Dispatcher) DispatchNext(ctx context.Context) (string, error) {
	jobID, found, err := d.jobs.DequeueNext(ctx)
	if err != nil {
		return "", NewError(KindTransient, ReasonStoreUnavailable, err)
	}
	if !found {
		return "", nil
	}
	if err := d.launch(ctx, jobID, 0); err != nil {
		return jobID, err
	}
	return jobID, nil
}

// launch submits jobID to the compute runtime and, only once accepted,
// records the QUEUED->RUNNING transition. A restart (priorRestarts > 0)
// re-launches a job that is already RUNNING, so no transition is recorded.
func (d *Dispatcher) launch(ctx context.Context, jobID string, priorRestarts int) error {
	from := string(StatusQueued)
	if priorRestarts > 0 {
		from = string(StatusRunning)
	}
	handle, err := d.runtime.LaunchWorker(ctx, jobID, map[string]string{"job_id": jobID})
	if err != nil {
		_ = d.transition(ctx, jobID, from, string(StatusFailed), store.JobPatch{
			StatusReason: reason(ReasonLaunchFailed),
		})
		if priorRestarts == 0 {
			d.mu.Lock()
			d.queueDepth--
			d.mu.Unlock()
			d.reportGauges()
		}
		return NewError(KindPermanentJob, ReasonLaunchFailed, err)
	}

	if priorRestarts == 0 {
		if err := d.transition(ctx, jobID, from, string(StatusRunning), store.JobPatch{}); err != nil {
			return NewError(KindPermanentJob, ReasonIllegalTransition, err)
		}
	}

	d.mu.Lock()
	if priorRestarts == 0 {
		d.queueDepth--
	}
	d.tasks[jobID] = &restartState{handle: handle, restarts: priorRestarts, launchedAt: time.Now()}
	d.mu.Unlock()
	d.reportGauges()

	d.emitter.Emit(emit.Event{JobID: jobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"from": from, "to": string(StatusRunning)}})
	return nil
}

// Reconcile polls a RUNNING job's task and its checkpoint heartbeat,
// reacting to terminal checkpoints, dead workers, and restart-budget
// exhaustion. It is meant to be called on a poll interval per tracked job.
func (d *Dispatcher) Reconcile(ctx context.Context, jobID string) error {
	d.mu.Lock()
	st, tracked := d.tasks[jobID]
	d.mu.Unlock()
	if !tracked {
		return nil
	}

	rec, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return NewError(KindPermanentJob, ReasonJobNotFound, err)
	}
	if rec.Status != string(StatusRunning) {
		return nil
	}

	item, metaErr := d.meta.Get(ctx, metaPartition(), jobID)
	if metaErr == nil {
		if item.Payload != nil {
			var payload struct {
				RecordsGenerated int `json:"records_generated"`
			}
			_ = json.Unmarshal(item.Payload, &payload)
			if rec.TargetRecords > 0 && payload.RecordsGenerated >= rec.TargetRecords {
				return d.completeFromCheckpoint(ctx, jobID, payload.RecordsGenerated)
			}
		}
		if time.Since(item.UpdatedAt) > d.cfg.HeartbeatTimeout && d.cfg.HeartbeatTimeout > 0 {
			return d.handleDeadWorker(ctx, jobID, st)
		}
	}

	status, err := d.runtime.Status(ctx, st.handle)
	if err != nil {
		return NewError(KindTransient, ReasonStoreUnavailable, err)
	}
	if status.State == store.TaskExited || status.State == store.TaskGone {
		if status.ExitCode != 0 {
			return d.handleDeadWorker(ctx, jobID, st)
		}
	}
	return nil
}

func (d *Dispatcher) completeFromCheckpoint(ctx context.Context, jobID string, records int) error {
	err := d.transition(ctx, jobID, string(StatusRunning), string(StatusCompleted), store.JobPatch{
		RecordsGenerated: &records,
	})
	if err != nil {
		return NewError(KindPermanentJob, ReasonIllegalTransition, err)
	}
	d.forget(jobID)
	d.reportGauges()
	d.emitter.Emit(emit.Event{JobID: jobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"to": string(StatusCompleted)}})
	return nil
}

// handleDeadWorker re-launches a worker up to MaxWorkerRestarts times; past
// that it transitions the job to FAILED with restart-budget-exhausted.
func (d *Dispatcher) handleDeadWorker(ctx context.Context, jobID string, st *restartState) error {
	if st.restarts >= d.cfg.MaxWorkerRestarts {
		detail := "restart budget exhausted after " + strconv.Itoa(st.restarts) + " restarts"
		err := d.transition(ctx, jobID, string(StatusRunning), string(StatusFailed), store.JobPatch{
			StatusReason: reason(ReasonRestartBudgetExhausted),
			StatusDetail: &detail,
		})
		d.forget(jobID)
		d.reportGauges()
		if err != nil {
			return NewError(KindPermanentJob, ReasonIllegalTransition, err)
		}
		d.emitter.Emit(emit.Event{JobID: jobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"to": string(StatusFailed), "reason": ReasonRestartBudgetExhausted}})
		return nil
	}

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.IncrementWorkerRestarts(jobID)
	}
	d.mu.Lock()
	delete(d.tasks, jobID)
	d.mu.Unlock()

	return d.launch(ctx, jobID, st.restarts+1)
}

// Cancel handles user-initiated deletion of a job in any non-terminal
// status. A QUEUED job is cancelled immediately (queue entry removed in
// the same step); a RUNNING job is signalled for preemption and given up
// to PreemptGrace to flush a final checkpoint before being marked
// CANCELLED regardless.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	rec, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return NewError(KindPermanentJob, ReasonJobNotFound, err)
	}

	switch Status(rec.Status) {
	case StatusQueued:
		if err := d.transition(ctx, jobID, string(StatusQueued), string(StatusCancelled), store.JobPatch{}); err != nil {
			return NewError(KindPermanentJob, ReasonIllegalTransition, err)
		}
		if err := d.jobs.RemoveQueueEntry(ctx, jobID); err != nil {
			return NewError(KindTransient, ReasonStoreUnavailable, err)
		}
		d.mu.Lock()
		d.queueDepth--
		d.mu.Unlock()
		d.reportGauges()
	case StatusRunning:
		d.mu.Lock()
		st, tracked := d.tasks[jobID]
		d.mu.Unlock()
		if tracked {
			_ = d.runtime.SignalPreempt(ctx, st.handle)
			deadline := time.Now().Add(d.cfg.PreemptGrace)
			for time.Now().Before(deadline) {
				status, _ := d.runtime.Status(ctx, st.handle)
				if status.State == store.TaskExited || status.State == store.TaskGone {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
		}
		if err := d.transition(ctx, jobID, string(StatusRunning), string(StatusCancelled), store.JobPatch{}); err != nil {
			// The preempted worker may already have reported CANCELLED
			// through FailFromWorkerError while Cancel waited for it.
			if cur, getErr := d.jobs.Get(ctx, jobID); getErr != nil || Status(cur.Status) != StatusCancelled {
				return NewError(KindPermanentJob, ReasonIllegalTransition, err)
			}
		}
		d.forget(jobID)
		d.reportGauges()
	default:
		return NewError(KindPermanentJob, ReasonIllegalTransition, fmt.Errorf("job %s is already in terminal status %s", jobID, rec.Status))
	}

	d.emitter.Emit(emit.Event{JobID: jobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"to": string(StatusCancelled)}})
	return nil
}

// FailFromWorkerError records a worker-reported fatal condition
// (budget-exceeded, cancellation, or permanent-job) as the matching
// terminal status; any other kind is recorded as FAILED. Only
// the dispatcher writes job status; the worker reports via its return
// error, which the caller running the worker loop forwards here.
func (d *Dispatcher) FailFromWorkerError(ctx context.Context, jobID string, workerErr error) error {
	var newStatus Status
	var reasonStr string
	switch KindOf(workerErr) {
	case KindBudget:
		newStatus = StatusBudgetExceeded
		reasonStr = ReasonBudgetPreCall
	case KindCancellation:
		newStatus = StatusCancelled
		reasonStr = ReasonUserCancelled
	default:
		newStatus = StatusFailed
		reasonStr = "worker-fatal-error"
	}

	detail := workerErr.Error()
	err := d.transition(ctx, jobID, string(StatusRunning), string(newStatus), store.JobPatch{
		StatusReason: &reasonStr,
		StatusDetail: &detail,
	})
	d.forget(jobID)
	d.reportGauges()
	if err != nil {
		return NewError(KindPermanentJob, ReasonIllegalTransition, err)
	}
	d.emitter.Emit(emit.Event{JobID: jobID, Component: "dispatcher", Msg: "transition", Meta: map[string]interface{}{"to": string(newStatus), "reason": reasonStr}})
	return nil
}

// WorkerEntrypoint adapts a Worker and its Dispatcher into the
// store.WorkerFunc a ComputeRuntime invokes per launched task. A terminal
// worker error (budget, permanent, cancellation) is reported to the
// dispatcher immediately and the task is reported as a clean exit, so
// Reconcile's restart logic only ever fires for a worker that exited
// without updating job status — a crash or an unclassified failure.
func WorkerEntrypoint(w *Worker, d *Dispatcher) store.WorkerFunc {
	return func(ctx context.Context, jobID string) error {
		err := w.Run(ctx, jobID)
		if err == nil {
			return nil
		}
		switch KindOf(err) {
		case KindPermanentJob, KindBudget, KindCancellation:
			if repErr := d.FailFromWorkerError(context.Background(), jobID, err); repErr != nil {
				return repErr
			}
			return nil
		default:
			return err
		}
	}
}

func (d *Dispatcher) transition(ctx context.Context, jobID, expected, next string, patch store.JobPatch) error {
	return d.jobs.ConditionalUpdate(ctx, jobID, expected, next, patch)
}

func (d *Dispatcher) forget(jobID string) {
	d.mu.Lock()
	delete(d.tasks, jobID)
	d.mu.Unlock()
}

// reportGauges pushes the dispatcher's current queue depth and in-flight
// worker count to PrometheusMetrics. Called after every mutation of
// queueDepth or tasks so the two gauges never lag a transition.
func (d *Dispatcher) reportGauges() {
	if d.cfg.Metrics == nil {
		return
	}
	d.mu.Lock()
	depth := d.queueDepth
	inFlight := len(d.tasks)
	d.mu.Unlock()
	d.cfg.Metrics.SetQueueDepth(depth)
	d.cfg.Metrics.SetInFlightWorkers(inFlight)
}

func reason(r string) *string { return &r }
