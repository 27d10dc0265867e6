package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopTracer returns a tracer that records nothing. Components default to it.
func NoopTracer() trace.Tracer {
	return noop.NewTracerProvider().Tracer("eventflow")
}

// EndSpan ends a span, recording err when non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID extracts the trace ID from ctx, or "".
func TraceID(ctx context.Context) string {
	spanCtx := trace.SpanFromContext(ctx).SpanContext()
	if spanCtx.IsValid() {
		return spanCtx.TraceID().String()
	}
	return ""
}

// SetSpanError records err on the span in ctx.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Attribute keys shared by spans.
var (
	AttrAggregateID    = attribute.Key("aggregate.id")
	AttrAggregateType  = attribute.Key("aggregate.type")
	AttrSequenceNumber = attribute.Key("event.sequence")
	AttrCommand        = attribute.Key("command.name")
	AttrEventType      = attribute.Key("event.type")
	AttrEventCount     = attribute.Key("event.count")
	AttrDeliveryID     = attribute.Key("messaging.message.id")
	AttrMessagingBus   = attribute.Key("messaging.system")
)

// AggregateAttrs returns the attributes identifying one aggregate.
func AggregateAttrs(id, aggregateType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAggregateID.String(id),
		AttrAggregateType.String(aggregateType),
	}
}
