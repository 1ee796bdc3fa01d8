package emit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (tracerName string, tp *sdktrace.TracerProvider, exporter *tracetest.InMemoryExporter) {
	t.Helper()
	exporter = tracetest.NewInMemoryExporter()
	tp = sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return "test", tp, exporter
}

func TestOTelEmitter_WorkflowSpan(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	emitter.Emit(Event{Name: WorkflowStart, RunID: "run-1", BlueprintID: "bp-1"})
	emitter.Emit(Event{Name: WorkflowFinish, RunID: "run-1", BlueprintID: "bp-1"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "workflow:bp-1", spans[0].Name)
	require.True(t, spans[0].EndTime.After(spans[0].StartTime))
}

func TestOTelEmitter_WorkflowCancelledSetsErrorStatus(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	emitter.Emit(Event{Name: WorkflowStart, RunID: "run-1", BlueprintID: "bp-1"})
	emitter.Emit(Event{Name: WorkflowCancelled, RunID: "run-1", BlueprintID: "bp-1"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "cancelled", spans[0].Status.Description)
}

func TestOTelEmitter_NodeSpanLifecycle(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	emitter.Emit(Event{Name: NodeStart, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A"})
	emitter.Emit(Event{Name: NodeRetry, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A"})
	emitter.Emit(Event{Name: NodeFallback, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A"})
	emitter.Emit(Event{Name: NodeFinish, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	require.Equal(t, "node:A", span.Name)
	require.Len(t, span.Events, 2, "retry and fallback should be recorded as span events")
	require.True(t, span.EndTime.After(span.StartTime))
}

func TestOTelEmitter_NodeErrorRecordsError(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	emitter.Emit(Event{Name: NodeStart, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A"})
	emitter.Emit(Event{Name: NodeError, RunID: "run-1", BlueprintID: "bp-1", NodeID: "A", Err: errors.New("boom")})

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "boom", spans[0].Status.Description)
}

func TestOTelEmitter_EventsForUnknownSpanAreIgnored(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	// No matching NodeStart/WorkflowStart was ever emitted; these must be
	// no-ops rather than panics.
	emitter.Emit(Event{Name: NodeFinish, RunID: "run-1", BlueprintID: "bp-1", NodeID: "ghost"})
	emitter.Emit(Event{Name: WorkflowFinish, RunID: "run-1", BlueprintID: "bp-1"})

	require.Empty(t, exporter.GetSpans())
}

func TestOTelEmitter_ConcurrentRunsDoNotCrossTalk(t *testing.T) {
	name, tp, exporter := newTestTracer(t)
	emitter := NewOTelEmitter(tp.Tracer(name))

	emitter.Emit(Event{Name: WorkflowStart, RunID: "run-1", BlueprintID: "bp"})
	emitter.Emit(Event{Name: WorkflowStart, RunID: "run-2", BlueprintID: "bp"})
	emitter.Emit(Event{Name: WorkflowFinish, RunID: "run-1", BlueprintID: "bp"})
	emitter.Emit(Event{Name: WorkflowFinish, RunID: "run-2", BlueprintID: "bp"})

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
}
