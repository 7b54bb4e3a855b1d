package emit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("plot-palette-test"), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

func TestOTelEmitterEmitCreatesOneSpanWithStandardAttributes(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Event{
		JobID:     "job-1",
		Component: "worker",
		Step:      3,
		Msg:       "checkpoint-committed",
		Meta:      map[string]interface{}{"records_generated": 50, "cost": 1.25},
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)

	span := spans[0]
	require.Equal(t, "checkpoint-committed", span.Name)
	require.True(t, span.EndTime.After(span.StartTime))

	attrs := attributeMap(span.Attributes)
	require.Equal(t, "job-1", attrs["job_id"])
	require.Equal(t, "worker", attrs["component"])
	require.Equal(t, int64(3), attrs["step"])
	require.Equal(t, int64(50), attrs["records_generated"])
	require.Equal(t, 1.25, attrs["cost"])
}

func TestOTelEmitterEmitWithErrorMetaSetsErrorStatus(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Event{
		JobID: "job-1", Component: "worker", Msg: "model-call-failed",
		Meta: map[string]interface{}{"error": "transient model error"},
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Error, spans[0].Status.Code)
	require.Equal(t, "transient model error", spans[0].Status.Description)
}

func TestOTelEmitterEmitBatchCreatesOneSpanPerEventInOrder(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)

	events := []Event{
		{JobID: "job-1", Component: "dispatcher", Msg: "transition"},
		{JobID: "job-1", Component: "worker", Msg: "checkpoint-committed"},
	}
	require.NoError(t, emitter.EmitBatch(context.Background(), events))

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	require.Equal(t, "transition", spans[0].Name)
	require.Equal(t, "checkpoint-committed", spans[1].Name)
}

func TestOTelEmitterEmitBatchEmptyCreatesNoSpans(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)

	require.NoError(t, emitter.EmitBatch(context.Background(), nil))
	require.Empty(t, exporter.GetSpans())
}

func TestOTelEmitterEmitIgnoresNonPrimitiveMetaValues(t *testing.T) {
	tracer, exporter := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)

	emitter.Emit(Event{
		JobID: "job-1", Component: "worker", Msg: "batch-complete",
		Meta: map[string]interface{}{"records": []int{1, 2, 3}},
	})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := attributeMap(spans[0].Attributes)
	_, present := attrs["records"]
	require.False(t, present)
}

func TestOTelEmitterFlushReturnsNilWithoutBlocking(t *testing.T) {
	tracer, _ := newRecordingTracer(t)
	emitter := NewOTelEmitter(tracer)
	require.NoError(t, emitter.Flush(context.Background()))
}
