package ctxutil

import "context"

type traceDataKey struct{}

// TraceData carries request/trace correlation ids through a job's
// context.Context so activity log entries and cluster submissions can be
// tied back to the REST request that started a session.
type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	td, _ := ctx.Value(traceDataKey{}).(*TraceData)
	return td
}
