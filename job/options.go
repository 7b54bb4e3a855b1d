package job

import (
	"fmt"
	"time"
)

// Option configures a Config. Functional options keep Config immutable to
// callers and let new knobs be added without breaking constructor call
// sites, matching the donor engine's configuration pattern.
type Option func(*Config) error

// Config collects every tunable the dispatcher, worker runtime, checkpoint
// engine, and cost tracker read. No package-level mutable configuration
// exists; every value here is passed explicitly at component construction.
type Config struct {
	// CheckpointInterval is the number of accepted records between
	// checkpoint commits.
	CheckpointInterval int
	// PreemptGrace bounds the wall-clock window after a preemption signal
	// before the worker abandons its in-flight batch.
	PreemptGrace time.Duration
	// ModelCallRetries is the per-invocation retry budget for transient
	// model errors.
	ModelCallRetries int
	// MaxWorkerRestarts caps dispatcher re-launches on non-terminal exits.
	MaxWorkerRestarts int
	// HeartbeatTimeout is the checkpoint-metadata staleness window after
	// which the dispatcher considers a RUNNING worker dead.
	HeartbeatTimeout time.Duration
	// BudgetTolerance is the fractional over-budget allowance applied to
	// the pre-call budget guard (0 = strict).
	BudgetTolerance float64
	// BackoffBase, BackoffCap, and BackoffJitter parameterize the
	// exponential-backoff-with-jitter retry delay.
	BackoffBase   time.Duration
	BackoffCap    time.Duration
	BackoffJitter float64
	// RateTable maps a model tier to its per-1M-token input/output rates.
	RateTable map[string]TierRate
	// LocalRepairAttempts bounds per-record validation repair attempts
	// before a record is dropped as rejected.
	LocalRepairAttempts int
	// ModelCallTimeout bounds a single model invocation.
	ModelCallTimeout time.Duration
	// CheckpointRetries bounds the optimistic-concurrency retry loop on
	// conflict.
	CheckpointRetries int

	Metrics     *PrometheusMetrics
	CostTracker *CostTracker
}

// TierRate is the static per-1M-token price pair for one model tier.
type TierRate struct {
	InputPer1M  float64
	OutputPer1M float64
}

// DefaultConfig returns a Config populated with the defaults named in the
// configuration table: 50-record checkpoint interval, 120s preempt grace,
// 5 model-call retries, 3 worker restarts, 10-minute heartbeat timeout,
// strict (zero) budget tolerance, and 1s/32s/10% backoff.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval:  50,
		PreemptGrace:        120 * time.Second,
		ModelCallRetries:    5,
		MaxWorkerRestarts:   3,
		HeartbeatTimeout:    10 * time.Minute,
		BudgetTolerance:     0,
		BackoffBase:         time.Second,
		BackoffCap:          32 * time.Second,
		BackoffJitter:       0.1,
		LocalRepairAttempts: 2,
		ModelCallTimeout:    60 * time.Second,
		CheckpointRetries:   3,
		RateTable:           map[string]TierRate{},
	}
}

// NewConfig builds a Config from DefaultConfig() plus the supplied options,
// applied in order.
func NewConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// WithCheckpointInterval sets the record count between checkpoint commits.
func WithCheckpointInterval(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return NewError(KindPermanentJob, "invalid-config", fmt.Errorf("checkpoint interval must be >= 1, got %d", n))
		}
		c.CheckpointInterval = n
		return nil
	}
}

// WithPreemptGrace sets the wall-clock bound on post-preemption flush work.
func WithPreemptGrace(d time.Duration) Option {
	return func(c *Config) error {
		c.PreemptGrace = d
		return nil
	}
}

// WithModelCallRetries sets the per-invocation retry budget for transient
// and quota model errors.
func WithModelCallRetries(n int) Option {
	return func(c *Config) error {
		c.ModelCallRetries = n
		return nil
	}
}

// WithMaxWorkerRestarts sets the dispatcher's re-launch cap for workers that
// exit without a terminal checkpoint.
func WithMaxWorkerRestarts(n int) Option {
	return func(c *Config) error {
		c.MaxWorkerRestarts = n
		return nil
	}
}

// WithHeartbeatTimeout sets the checkpoint-staleness window the dispatcher
// uses to detect a dead worker.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.HeartbeatTimeout = d
		return nil
	}
}

// WithBudgetTolerance sets the fractional over-budget allowance.
func WithBudgetTolerance(tolerance float64) Option {
	return func(c *Config) error {
		if tolerance < 0 {
			return NewError(KindPermanentJob, "invalid-config", fmt.Errorf("budget tolerance must be >= 0, got %f", tolerance))
		}
		c.BudgetTolerance = tolerance
		return nil
	}
}

// WithBackoff sets the exponential-backoff-with-jitter parameters shared by
// model-call retries and transient infrastructure retries.
func WithBackoff(base, maxDelay time.Duration, jitter float64) Option {
	return func(c *Config) error {
		c.BackoffBase = base
		c.BackoffCap = maxDelay
		c.BackoffJitter = jitter
		return nil
	}
}

// WithRateTable sets the tier-to-rate pricing map; required for the cost
// tracker to project and record model-call costs.
func WithRateTable(table map[string]TierRate) Option {
	return func(c *Config) error {
		c.RateTable = table
		return nil
	}
}

// WithLocalRepairAttempts sets how many local repair attempts a record gets
// before it is dropped as rejected.
func WithLocalRepairAttempts(n int) Option {
	return func(c *Config) error {
		c.LocalRepairAttempts = n
		return nil
	}
}

// WithModelCallTimeout sets the hard per-call deadline for model invocations.
func WithModelCallTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ModelCallTimeout = d
		return nil
	}
}

// WithCheckpointRetries bounds the checkpoint engine's conflict-retry loop.
func WithCheckpointRetries(n int) Option {
	return func(c *Config) error {
		c.CheckpointRetries = n
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection in the dispatcher and
// worker. The checkpoint engine takes its metrics through
// NewCheckpointEngine, and the cost tracker records none.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

// WithCostTracker stores a pre-built CostTracker in Config.CostTracker.
// NewWorker takes its CostTracker as an explicit argument and does not read
// this field.
func WithCostTracker(t *CostTracker) Option {
	return func(c *Config) error {
		c.CostTracker = t
		return nil
	}
}
