// Package job implements the Plot Palette generation worker: the job
// lifecycle state machine, the checkpoint-recovery protocol, the cost
// tracker / budget guard, and the worker runtime that ties them together.
package job

import "time"

// Status is a job's position in the lifecycle state machine.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusRunning        Status = "RUNNING"
	StatusCompleted      Status = "COMPLETED"
	StatusFailed         Status = "FAILED"
	StatusCancelled      Status = "CANCELLED"
	StatusBudgetExceeded Status = "BUDGET_EXCEEDED"
)

// Terminal reports whether s is a sink state of the lifecycle machine.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusBudgetExceeded:
		return true
	default:
		return false
	}
}

// ExportFormat names the shape of the artifact a completed job produces.
type ExportFormat string

const (
	ExportJSONLines ExportFormat = "jsonl"
	ExportCSV       ExportFormat = "csv"
	ExportColumnar  ExportFormat = "columnar"
)

// Job is the durable record a job owner sees and the dispatcher mutates.
type Job struct {
	JobID            string
	OwnerID          string
	Status           Status
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
	OutputFormat     ExportFormat
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// QueueEntry back-points to a QUEUED job; its sort key is CreatedAt+JobID.
type QueueEntry struct {
	JobID     string
	CreatedAt time.Time
}

// SortKey returns the FIFO tie-break key described for the queue: creation
// timestamp first, job id as the lexicographic tiebreaker.
func (q QueueEntry) SortKey() string {
	return q.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z07:00") + "_" + q.JobID
}

// TemplateStep is one ordered rendering+invocation unit of a Template.
type TemplateStep struct {
	StepID         string
	ModelTier      string
	PromptSource   string
	RequiredFields []string
}

// Template is an immutable (TemplateID, Version) pair; a new version never
// mutates a prior one.
type Template struct {
	TemplateID string
	Version    int
	Steps      []TemplateStep
	Schema     []string
}

// CheckpointMeta is the concurrency-token side of a checkpoint: a monotone
// version counter plus the counters last observed at that version.
type CheckpointMeta struct {
	JobID            string
	Version          int
	Tag              string
	RecordsGenerated int
	TokensUsed       int64
	Cost             float64
	UpdatedAt        time.Time
}

// CheckpointBlob is the opaque worker-state snapshot addressed by a
// CheckpointMeta's tag: counters, RNG seed, last-completed batch index, and
// the partial-batch buffer of records not yet flushed into an export.
type CheckpointBlob struct {
	JobID            string
	RecordsGenerated int
	RecordsRejected  int
	TokensUsed       int64
	Cost             float64
	RNGSeed          int64
	LastBatchIndex   int
	CompletedIndexes map[int]struct{}
	PartialBatch     []Record
	AcceptedRecords  []Record
	Completed        bool
}

// Record is a single generated output unit, the unit of progress accounting.
type Record struct {
	Index  int
	Fields map[string]interface{}
}

// CostEventKind distinguishes the three billable event classes.
type CostEventKind string

const (
	CostEventModelCall    CostEventKind = "model-call"
	CostEventComputeSlice CostEventKind = "compute-slice"
	CostEventStorage      CostEventKind = "storage"
)

// CostEvent is an append-only, write-once record of a single billable
// operation against a job.
type CostEvent struct {
	ID           string
	JobID        string
	Timestamp    time.Time
	Kind         CostEventKind
	ModelID      string
	InputTokens  int
	OutputTokens int
	Cost         float64
	TTL          time.Duration
}
