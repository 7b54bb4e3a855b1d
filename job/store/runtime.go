package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// WorkerFunc runs a job's worker loop to completion or until ctx is
// cancelled. InProcessRuntime invokes it once per LaunchWorker call.
type WorkerFunc func(ctx context.Context, jobID string) error

// InProcessRuntime is a ComputeRuntime that runs each worker as a goroutine
// in the current process — the demo CLI and dispatcher tests use this in
// place of a real scheduler (Kubernetes Jobs, Nomad, a Spot fleet).
type InProcessRuntime struct {
	run WorkerFunc

	mu    sync.Mutex
	tasks map[TaskHandle]*task
}

type task struct {
	cancel   context.CancelFunc
	done     chan struct{}
	exitCode int
}

// NewInProcessRuntime builds a ComputeRuntime that invokes run for every
// launched task.
func NewInProcessRuntime(run WorkerFunc) *InProcessRuntime {
	return &InProcessRuntime{run: run, tasks: make(map[TaskHandle]*task)}
}

func (r *InProcessRuntime) LaunchWorker(ctx context.Context, jobID string, _ map[string]string) (TaskHandle, error) {
	r.mu.Lock()
	handle := TaskHandle(uuid.NewString())
	taskCtx, cancel := context.WithCancel(context.Background())
	t := &task{cancel: cancel, done: make(chan struct{})}
	r.tasks[handle] = t
	r.mu.Unlock()

	go func() {
		defer close(t.done)
		err := r.run(taskCtx, jobID)
		r.mu.Lock()
		if err != nil {
			t.exitCode = 1
		}
		r.mu.Unlock()
	}()

	return handle, nil
}

func (r *InProcessRuntime) SignalPreempt(_ context.Context, handle TaskHandle) error {
	r.mu.Lock()
	t, ok := r.tasks[handle]
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	t.cancel()
	return nil
}

func (r *InProcessRuntime) Status(_ context.Context, handle TaskHandle) (TaskStatus, error) {
	r.mu.Lock()
	t, ok := r.tasks[handle]
	r.mu.Unlock()
	if !ok {
		return TaskStatus{State: TaskGone}, nil
	}

	select {
	case <-t.done:
		r.mu.Lock()
		code := t.exitCode
		r.mu.Unlock()
		return TaskStatus{State: TaskExited, ExitCode: code}, nil
	default:
		return TaskStatus{State: TaskRunning}, nil
	}
}
