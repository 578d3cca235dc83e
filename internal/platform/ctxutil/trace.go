package ctxutil

import "context"

type traceDataKey struct{}

// TraceData carries the trace id attached to an inbound message envelope or
// request through to every downstream store/event call, so every persisted
// event entry carries a trace_id.
type TraceData struct {
	TraceID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// TraceIDFromContext returns the trace id attached by WithTraceData, or ""
// if none was ever attached.
func TraceIDFromContext(ctx context.Context) string {
	if td := GetTraceData(ctx); td != nil {
		return td.TraceID
	}
	return ""
}
