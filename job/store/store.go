// Package store defines the persistence contracts the job core consumes —
// job records, templates, seed data, checkpoint blobs/metadata, and the
// compute runtime — plus in-memory and production-grade adapters for each.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested key has no value.
var ErrNotFound = errors.New("store: not found")

// ErrConditionFailed is returned by a conditional write whose predicate
// (expected status, tag, or version) did not match the store's current
// value. Callers distinguish this from other errors to drive the
// checkpoint engine's conflict-retry branch and the dispatcher's
// illegal-transition handling.
var ErrConditionFailed = errors.New("store: condition failed")

// JobPatch carries the fields a conditional job update may change alongside
// status. Nil fields are left untouched; a non-nil field overwrites the
// stored value, including with an empty string or zero.
type JobPatch struct {
	StatusReason     *string
	StatusDetail     *string
	RecordsGenerated *int
	RecordsRejected  *int
	TokensUsed       *int64
	CostAccumulated  *float64
}

// JobRecord is the store's view of a Job; it intentionally mirrors
// job.Job's shape without importing the job package, keeping store free of
// a dependency cycle.
type JobRecord struct {
	JobID            string
	OwnerID          string
	Status           string
	StatusReason     string
	StatusDetail     string
	TemplateID       string
	TemplateVersion  int
	SeedLocator      string
	TargetRecords    int
	BudgetLimit      float64
	RecordsGenerated int
	RecordsRejected  int
	TokensUsed       int64
	CostAccumulated  float64
	OutputFormat     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// JobStore owns Job records and their queue-entry lifecycle: a QUEUED
// job has exactly one queue entry, and no other status does.
type JobStore interface {
	// Get returns the job record for jobID, or ErrNotFound.
	Get(ctx context.Context, jobID string) (JobRecord, error)

	// ConditionalUpdate applies patch and moves the job to newStatus only
	// if its current status equals expectedStatus. Returns
	// ErrConditionFailed on mismatch — the only store method the
	// dispatcher uses to mutate status, per the job/worker ownership
	// split.
	ConditionalUpdate(ctx context.Context, jobID, expectedStatus, newStatus string, patch JobPatch) error

	// ListByOwner pages through an owner's jobs. MemStore orders them by
	// creation time with job id as tiebreaker; the SQL adapters order and
	// page them by job id.
	ListByOwner(ctx context.Context, ownerID, cursor string, limit int) (page []JobRecord, nextCursor string, err error)

	// InsertWithQueueEntry atomically creates a QUEUED job and its queue
	// entry.
	InsertWithQueueEntry(ctx context.Context, job JobRecord) error

	// DequeueNext returns the oldest queue entry (FIFO by creation
	// timestamp, job id as tiebreaker) without removing it; the
	// dispatcher removes it as part of the QUEUED->RUNNING
	// ConditionalUpdate.
	DequeueNext(ctx context.Context) (jobID string, found bool, err error)

	// RemoveQueueEntry deletes the queue entry for jobID, used when a
	// QUEUED job is cancelled directly.
	RemoveQueueEntry(ctx context.Context, jobID string) error
}

// TemplateRecord is the store's view of an immutable (TemplateID, Version)
// pair; a new version never mutates a prior one.
type TemplateRecord struct {
	TemplateID string
	Version    int
	StepsJSON  []byte
	SchemaJSON []byte
}

// TemplateStore serves immutable template versions; writes are outside the
// job core's scope.
type TemplateStore interface {
	Get(ctx context.Context, templateID string, version int) (TemplateRecord, error)
}

// SeedSource provides random-access, index-addressed seed rows so a worker
// resume can deterministically replay the same sequence.
type SeedSource interface {
	RowAt(ctx context.Context, locator string, index int) (map[string]interface{}, error)
}

// BlobStore provides conditional-write, tag-addressed object storage for
// checkpoint blobs and export artifacts.
type BlobStore interface {
	// Put writes value under key conditional on the store's current tag
	// equalling ifTag (empty ifTag means "key must not exist"). On
	// success it returns the new tag; on mismatch it returns
	// ErrConditionFailed.
	Put(ctx context.Context, key string, value []byte, ifTag string) (newTag string, err error)

	// Get returns the current bytes and tag for key, or ErrNotFound.
	Get(ctx context.Context, key string) (value []byte, tag string, err error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// MetadataItem is one row of the MetadataStore, addressed by
// (partitionKey, sortKey) with an integer version as its concurrency token.
type MetadataItem struct {
	PartitionKey string
	SortKey      string
	Version      int
	Payload      []byte
	UpdatedAt    time.Time
}

// MetadataStore provides conditional-write, version-addressed storage for
// checkpoint metadata and cost events.
type MetadataStore interface {
	// ConditionalPut writes item conditional on the store's current
	// version equalling expectedVersion (0 means "item must not exist").
	// On mismatch it returns ErrConditionFailed.
	ConditionalPut(ctx context.Context, item MetadataItem, expectedVersion int) error

	// Get returns the current item at (partitionKey, sortKey), or
	// ErrNotFound.
	Get(ctx context.Context, partitionKey, sortKey string) (MetadataItem, error)

	// Append writes a new, non-conditional row — used for the
	// append-only cost-event log, which carries no version token.
	Append(ctx context.Context, item MetadataItem) error

	// Scan returns every row under partitionKey in append order —
	// used to read back a job's full cost-event history for audits.
	Scan(ctx context.Context, partitionKey string) ([]MetadataItem, error)
}

// TaskHandle opaquely identifies a launched worker task.
type TaskHandle string

// TaskState is the compute runtime's view of a launched task's liveness.
type TaskState string

const (
	TaskStarting TaskState = "starting"
	TaskRunning  TaskState = "running"
	TaskExited   TaskState = "exited"
	TaskGone     TaskState = "gone"
)

// TaskStatus reports a task's current state and, if TaskExited, its exit
// code.
type TaskStatus struct {
	State    TaskState
	ExitCode int
}

// ComputeRuntime abstracts the environment the dispatcher launches worker
// tasks into (a goroutine pool in-process, or a real scheduler in
// production).
type ComputeRuntime interface {
	LaunchWorker(ctx context.Context, jobID string, env map[string]string) (TaskHandle, error)
	SignalPreempt(ctx context.Context, handle TaskHandle) error
	Status(ctx context.Context, handle TaskHandle) (TaskStatus, error)
}
