package job

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exposes the production monitoring surface for the
// dispatcher, worker runtime, checkpoint engine, and cost tracker, all
// namespaced "plotpalette_":
//
//  1. in_flight_workers (gauge): workers currently RUNNING. Labels: none.
//  2. queue_depth (gauge): QUEUED jobs awaiting dispatch.
//  3. checkpoint_commit_latency_ms (histogram): checkpoint write duration.
//     Labels: job_id, outcome (committed/conflict/failed).
//  4. model_call_retries_total (counter): retries across model invocations.
//     Labels: job_id, reason.
//  5. checkpoint_conflicts_total (counter): optimistic-write conflicts.
//     Labels: job_id.
//  6. budget_rejections_total (counter): budget-guard pre-call rejections.
//     Labels: job_id.
//  7. worker_restarts_total (counter): dispatcher re-launches. Labels: job_id.
type PrometheusMetrics struct {
	inFlightWorkers prometheus.Gauge
	queueDepth      prometheus.Gauge

	checkpointLatency *prometheus.HistogramVec

	modelRetries        *prometheus.CounterVec
	checkpointConflicts *prometheus.CounterVec
	budgetRejections    *prometheus.CounterVec
	workerRestarts      *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics registers the job metrics with registry (use
// prometheus.DefaultRegisterer for the global registry, or a fresh
// prometheus.NewRegistry() for test isolation).
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	pm := &PrometheusMetrics{enabled: true}

	pm.inFlightWorkers = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "plotpalette",
		Name:      "in_flight_workers",
		Help:      "Current number of jobs in RUNNING status with a live worker",
	})
	pm.queueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "plotpalette",
		Name:      "queue_depth",
		Help:      "Current number of QUEUED jobs awaiting dispatch",
	})
	pm.checkpointLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "plotpalette",
		Name:      "checkpoint_commit_latency_ms",
		Help:      "Checkpoint engine write latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000},
	}, []string{"job_id", "outcome"})
	pm.modelRetries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotpalette",
		Name:      "model_call_retries_total",
		Help:      "Cumulative model invocation retries",
	}, []string{"job_id", "reason"})
	pm.checkpointConflicts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotpalette",
		Name:      "checkpoint_conflicts_total",
		Help:      "Optimistic-concurrency conflicts observed committing a checkpoint",
	}, []string{"job_id"})
	pm.budgetRejections = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotpalette",
		Name:      "budget_rejections_total",
		Help:      "Pre-call budget guard rejections",
	}, []string{"job_id"})
	pm.workerRestarts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "plotpalette",
		Name:      "worker_restarts_total",
		Help:      "Dispatcher re-launches after a non-terminal worker exit",
	}, []string{"job_id"})

	return pm
}

func (pm *PrometheusMetrics) RecordCheckpointLatency(jobID, outcome string, d time.Duration) {
	if !pm.isEnabled() {
		return
	}
	pm.checkpointLatency.WithLabelValues(jobID, outcome).Observe(float64(d.Milliseconds()))
}

func (pm *PrometheusMetrics) IncrementModelRetries(jobID, reason string) {
	if !pm.isEnabled() {
		return
	}
	pm.modelRetries.WithLabelValues(jobID, reason).Inc()
}

func (pm *PrometheusMetrics) IncrementCheckpointConflicts(jobID string) {
	if !pm.isEnabled() {
		return
	}
	pm.checkpointConflicts.WithLabelValues(jobID).Inc()
}

func (pm *PrometheusMetrics) IncrementBudgetRejections(jobID string) {
	if !pm.isEnabled() {
		return
	}
	pm.budgetRejections.WithLabelValues(jobID).Inc()
}

func (pm *PrometheusMetrics) IncrementWorkerRestarts(jobID string) {
	if !pm.isEnabled() {
		return
	}
	pm.workerRestarts.WithLabelValues(jobID).Inc()
}

func (pm *PrometheusMetrics) SetQueueDepth(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.queueDepth.Set(float64(n))
}

func (pm *PrometheusMetrics) SetInFlightWorkers(n int) {
	if !pm.isEnabled() {
		return
	}
	pm.inFlightWorkers.Set(float64(n))
}

func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

func (pm *PrometheusMetrics) isEnabled() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}
