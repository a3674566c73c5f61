package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for afm spans.
var (
	AttrAgentID     = attribute.Key("afm.agent.id")
	AttrAgentName   = attribute.Key("afm.agent.name")
	AttrTaskID      = attribute.Key("afm.task.id")
	AttrTaskType    = attribute.Key("afm.task.type")
	AttrTaskVersion = attribute.Key("afm.task.version")
	AttrMaxTasks    = attribute.Key("afm.poll.max_tasks")
	AttrAssigned    = attribute.Key("afm.poll.assigned")
	AttrRoute       = attribute.Key("afm.http.route")
	AttrStatus      = attribute.Key("afm.http.status")
	AttrOutcome     = attribute.Key("afm.outcome")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
