package fedplan

import (
	"context"
)

type contextKey string

const (
	eventKey     contextKey = "instrumentation"
	requestIDKey contextKey = "request-id"
)

// AddRequestIDToContext stores the id of the current request.
func AddRequestIDToContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestIDFromContext returns the id of the current request, if any.
func GetRequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok && id != ""
}
