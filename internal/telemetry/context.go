package telemetry

import "context"

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID attaches a transaction/request id to ctx for correlation
// across logs and spans.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request id previously attached with
// WithRequestID, or "" if none is present.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}
