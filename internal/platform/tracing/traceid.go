package tracing

import (
	"context"

	"github.com/google/uuid"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// StartDispatchSpan starts a span for one dispatched message and returns
// the trace id that should ride on every store/event call the handler
// makes: prefer a caller-supplied one carried on the envelope, then the
// trace id of the span just started, and only generate a fresh id if
// neither exists.
func StartDispatchSpan(ctx context.Context, messageType, suppliedTraceID string) (context.Context, string, oteltrace.Span) {
	ctx, span := Tracer().Start(ctx, "dispatch."+messageType)

	traceID := suppliedTraceID
	if traceID == "" {
		if sc := oteltrace.SpanContextFromContext(ctx); sc.HasTraceID() {
			traceID = sc.TraceID().String()
		}
	}
	if traceID == "" {
		traceID = uuid.New().String()
	}
	return ctx, traceID, span
}
