package job

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheusMetricsRegistersAllSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.SetQueueDepth(3)
	pm.SetInFlightWorkers(2)
	pm.IncrementModelRetries("job-1", "transient")
	pm.IncrementCheckpointConflicts("job-1")
	pm.IncrementBudgetRejections("job-1")
	pm.IncrementWorkerRestarts("job-1")

	require.Equal(t, float64(3), testutil.ToFloat64(pm.queueDepth))
	require.Equal(t, float64(2), testutil.ToFloat64(pm.inFlightWorkers))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.modelRetries.WithLabelValues("job-1", "transient")))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.checkpointConflicts.WithLabelValues("job-1")))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.budgetRejections.WithLabelValues("job-1")))
	require.Equal(t, float64(1), testutil.ToFloat64(pm.workerRestarts.WithLabelValues("job-1")))
}

func TestDisableSuppressesFurtherRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.IncrementBudgetRejections("job-1")
	pm.Disable()
	pm.IncrementBudgetRejections("job-1")

	require.Equal(t, float64(1), testutil.ToFloat64(pm.budgetRejections.WithLabelValues("job-1")))
}

func TestEnableResumesRecordingAfterDisable(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.Disable()
	pm.IncrementWorkerRestarts("job-1")
	pm.Enable()
	pm.IncrementWorkerRestarts("job-1")

	require.Equal(t, float64(1), testutil.ToFloat64(pm.workerRestarts.WithLabelValues("job-1")))
}
