package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hatmanstack/plot-palette/job/model"
	"github.com/hatmanstack/plot-palette/job/store"
)

func newTestDispatcher(t *testing.T, run store.WorkerFunc, cfg Config) (*Dispatcher, store.JobStore, store.MetadataStore) {
	t.Helper()
	jobs := store.NewMemStore()
	meta := store.NewMemMetadataStore()
	runtime := store.NewInProcessRuntime(run)
	return NewDispatcher(jobs, runtime, meta, nil, cfg), jobs, meta
}

func dispatcherTestJob(targetRecords int) store.JobRecord {
	now := time.Now()
	return store.JobRecord{
		JobID: "job-1", OwnerID: "owner-1", TemplateID: "tmpl-1", TemplateVersion: 1,
		SeedLocator: "seed-1", TargetRecords: targetRecords, BudgetLimit: 10,
		OutputFormat: "jsonl", CreatedAt: now, UpdatedAt: now,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Fail(t, "condition not met before timeout")
}

func TestDispatchNextLaunchesQueuedJobAndTransitionsToRunning(t *testing.T) {
	block := make(chan struct{})
	run := func(ctx context.Context, jobID string) error {
		<-block
		return nil
	}
	d, jobs, _ := newTestDispatcher(t, run, DefaultConfig())

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(1)))

	jobID, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", jobID)

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusRunning), rec.Status)

	close(block)
}

func TestDispatchNextReturnsEmptyWhenQueueIsEmpty(t *testing.T) {
	d, _, _ := newTestDispatcher(t, func(ctx context.Context, jobID string) error { return nil }, DefaultConfig())
	jobID, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobID)
}

func TestReconcileCompletesJobFromCheckpointMetadata(t *testing.T) {
	block := make(chan struct{})
	run := func(ctx context.Context, jobID string) error {
		<-block
		return nil
	}
	d, jobs, meta := newTestDispatcher(t, run, DefaultConfig())

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	_, err := d.DispatchNext(context.Background())
	require.NoError(t, err)

	payload, _ := json.Marshal(map[string]int{"records_generated": 5})
	require.NoError(t, meta.ConditionalPut(context.Background(), store.MetadataItem{
		PartitionKey: "checkpoint-meta", SortKey: "job-1", Payload: payload, UpdatedAt: time.Now(),
	}, 0))

	require.NoError(t, d.Reconcile(context.Background(), "job-1"))

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusCompleted), rec.Status)
	require.Equal(t, 5, rec.RecordsGenerated)

	close(block)
}

func TestReconcileRestartsDeadWorkerWithinBudget(t *testing.T) {
	launches := make(chan struct{}, 10)
	run := func(ctx context.Context, jobID string) error {
		launches <- struct{}{}
		return errJobFailed
	}
	cfg := DefaultConfig()
	cfg.MaxWorkerRestarts = 2
	d, jobs, _ := newTestDispatcher(t, run, cfg)

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	_, err := d.DispatchNext(context.Background())
	require.NoError(t, err)

	<-launches // the worker goroutine signalled start; it returns immediately after

	d.mu.Lock()
	handle := d.tasks["job-1"].handle
	d.mu.Unlock()
	waitUntil(t, time.Second, func() bool {
		status, _ := d.runtime.Status(context.Background(), handle)
		return status.State == store.TaskExited
	})

	require.NoError(t, d.Reconcile(context.Background(), "job-1"))

	select {
	case <-launches:
	case <-time.After(time.Second):
		require.Fail(t, "expected a restart launch")
	}

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusRunning), rec.Status)
}

func TestReconcileFailsJobAfterRestartBudgetExhausted(t *testing.T) {
	run := func(ctx context.Context, jobID string) error { return errJobFailed }
	cfg := DefaultConfig()
	cfg.MaxWorkerRestarts = 0
	d, jobs, _ := newTestDispatcher(t, run, cfg)

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	_, err := d.DispatchNext(context.Background())
	require.NoError(t, err)

	d.mu.Lock()
	handle := d.tasks["job-1"].handle
	d.mu.Unlock()
	waitUntil(t, time.Second, func() bool {
		status, _ := d.runtime.Status(context.Background(), handle)
		return status.State == store.TaskExited
	})

	require.NoError(t, d.Reconcile(context.Background(), "job-1"))

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusFailed), rec.Status)
	require.Equal(t, ReasonRestartBudgetExhausted, rec.StatusReason)
}

func TestCancelQueuedJobRemovesQueueEntry(t *testing.T) {
	d, jobs, _ := newTestDispatcher(t, func(ctx context.Context, jobID string) error { return nil }, DefaultConfig())
	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))

	require.NoError(t, d.Cancel(context.Background(), "job-1"))

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusCancelled), rec.Status)

	_, found, err := jobs.DequeueNext(context.Background())
	require.NoError(t, err)
	require.False(t, found)
}

func TestCancelRunningJobSignalsPreemptionAndMarksCancelled(t *testing.T) {
	run := func(ctx context.Context, jobID string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := DefaultConfig()
	cfg.PreemptGrace = 500 * time.Millisecond
	d, jobs, _ := newTestDispatcher(t, run, cfg)

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	_, err := d.DispatchNext(context.Background())
	require.NoError(t, err)

	require.NoError(t, d.Cancel(context.Background(), "job-1"))

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusCancelled), rec.Status)
}

func TestCancelTerminalJobReturnsIllegalTransitionError(t *testing.T) {
	d, jobs, _ := newTestDispatcher(t, func(ctx context.Context, jobID string) error { return nil }, DefaultConfig())
	rec := dispatcherTestJob(5)
	rec.Status = string(StatusCompleted)
	require.NoError(t, jobs.InsertWithQueueEntry(context.Background(), store.JobRecord{
		JobID: rec.JobID, OwnerID: rec.OwnerID, Status: string(StatusQueued), TemplateID: rec.TemplateID,
		TemplateVersion: rec.TemplateVersion, SeedLocator: rec.SeedLocator, TargetRecords: rec.TargetRecords,
		BudgetLimit: rec.BudgetLimit, OutputFormat: rec.OutputFormat, CreatedAt: rec.CreatedAt, UpdatedAt: rec.UpdatedAt,
	}))
	require.NoError(t, jobs.ConditionalUpdate(context.Background(), "job-1", string(StatusQueued), string(StatusCompleted), store.JobPatch{}))

	err := d.Cancel(context.Background(), "job-1")
	require.Error(t, err)
	require.Equal(t, KindPermanentJob, KindOf(err))
}

func TestFailFromWorkerErrorMapsBudgetKindToBudgetExceededStatus(t *testing.T) {
	d, jobs, _ := newTestDispatcher(t, func(ctx context.Context, jobID string) error { return nil }, DefaultConfig())
	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	require.NoError(t, jobs.ConditionalUpdate(context.Background(), "job-1", string(StatusQueued), string(StatusRunning), store.JobPatch{}))

	err := d.FailFromWorkerError(context.Background(), "job-1", NewError(KindBudget, ReasonBudgetPreCall, errJobFailed))
	require.NoError(t, err)

	rec, err := jobs.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, string(StatusBudgetExceeded), rec.Status)
}

func TestWorkerEntrypointReportsTerminalErrorsAndReturnsCleanExit(t *testing.T) {
	// No template is registered for tmpl-1, so Run fails fast with a
	// KindPermanentJob error; WorkerEntrypoint must report that to the
	// dispatcher itself and surface a clean (nil) exit to the runtime, so
	// Reconcile's dead-worker/restart path never fires for it.
	jobs := store.NewMemStore()
	templates := store.NewMemTemplateStore()
	seeds := store.NewMemSeedSource()
	exports := store.NewMemBlobStore()
	blobs := store.NewMemBlobStore()
	meta := store.NewMemMetadataStore()
	checkpts := NewCheckpointEngine(blobs, meta, 3, nil)
	cost := NewCostTracker(nil, 0, meta, nil)
	client := &model.MockClient{}
	w := NewWorker(jobs, templates, seeds, exports, checkpts, cost, client, nil, DefaultConfig())

	d := NewDispatcher(jobs, nil, meta, nil, DefaultConfig())
	d.runtime = store.NewInProcessRuntime(WorkerEntrypoint(w, d))

	require.NoError(t, d.Enqueue(context.Background(), dispatcherTestJob(5)))
	_, err := d.DispatchNext(context.Background())
	require.NoError(t, err)

	waitUntil(t, time.Second, func() bool {
		rec, _ := jobs.Get(context.Background(), "job-1")
		return rec.Status == string(StatusFailed)
	})
}

var errJobFailed = &validationErr{msg: "simulated worker failure"}
