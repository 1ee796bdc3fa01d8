package emit

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter turns node:*/workflow:* events into OpenTelemetry spans, so
// a distributed run — workers pulling jobs off a shared queue — still
// produces one connected trace per run.
//
// Each node activation opens a span on node:start and ends it on
// node:finish or node:error; node:retry/node:fallback are recorded as
// span events on the activation's still-open span. workflow:start opens a
// root span per run; workflow:finish/stall/cancelled ends it.
type OTelEmitter struct {
	tracer trace.Tracer

	mu        sync.Mutex
	runSpans  map[string]spanEnd
	nodeSpans map[string]spanEnd // keyed by runID + "/" + nodeID
}

type spanEnd struct {
	span trace.Span
}

// NewOTelEmitter returns an OTelEmitter using tracer to start spans.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{
		tracer:    tracer,
		runSpans:  make(map[string]spanEnd),
		nodeSpans: make(map[string]spanEnd),
	}
}

func nodeSpanKey(runID, nodeID string) string { return runID + "/" + nodeID }

// Emit implements Emitter.
func (o *OTelEmitter) Emit(event Event) {
	switch event.Name {
	case WorkflowStart:
		_, span := o.tracer.Start(context.Background(), "workflow:"+event.BlueprintID,
			trace.WithAttributes(attribute.String("run_id", event.RunID)))
		o.mu.Lock()
		o.runSpans[event.RunID] = spanEnd{span: span}
		o.mu.Unlock()

	case WorkflowFinish, WorkflowStall, WorkflowCancelled:
		o.mu.Lock()
		se, ok := o.runSpans[event.RunID]
		delete(o.runSpans, event.RunID)
		o.mu.Unlock()
		if ok {
			if event.Name == WorkflowCancelled {
				se.span.SetStatus(codes.Error, "cancelled")
			}
			se.span.End()
		}

	case NodeStart:
		_, span := o.tracer.Start(context.Background(), "node:"+event.NodeID,
			trace.WithAttributes(
				attribute.String("run_id", event.RunID),
				attribute.String("node_id", event.NodeID),
			))
		o.mu.Lock()
		o.nodeSpans[nodeSpanKey(event.RunID, event.NodeID)] = spanEnd{span: span}
		o.mu.Unlock()

	case NodeRetry, NodeFallback:
		o.mu.Lock()
		se, ok := o.nodeSpans[nodeSpanKey(event.RunID, event.NodeID)]
		o.mu.Unlock()
		if ok {
			se.span.AddEvent(event.Name)
		}

	case NodeFinish, NodeError:
		key := nodeSpanKey(event.RunID, event.NodeID)
		o.mu.Lock()
		se, ok := o.nodeSpans[key]
		delete(o.nodeSpans, key)
		o.mu.Unlock()
		if ok {
			if event.Name == NodeError && event.Err != nil {
				se.span.RecordError(event.Err)
				se.span.SetStatus(codes.Error, event.Err.Error())
			}
			se.span.End()
		}
	}
}
