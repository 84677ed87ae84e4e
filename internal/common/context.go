package common

import "context"

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyRequestID contextKey = "request_id"
	ContextKeyRowID     contextKey = "row_id"
)

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ContextKeyRequestID, requestID)
}

// RequestIDFromContext extracts the request ID from context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok {
		return requestID
	}
	return ""
}

// WithRowID adds the active row ID to the context
func WithRowID(ctx context.Context, rowID string) context.Context {
	return context.WithValue(ctx, ContextKeyRowID, rowID)
}

// RowIDFromContext extracts the active row ID from context
func RowIDFromContext(ctx context.Context) string {
	if rowID, ok := ctx.Value(ContextKeyRowID).(string); ok {
		return rowID
	}
	return ""
}
