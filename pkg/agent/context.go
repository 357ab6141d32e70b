package agent

import (
	"context"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	taskIDKey
)

// WithCaller stores the verified caller identity in the context.
func WithCaller(ctx context.Context, id spiffeid.ID) context.Context {
	return context.WithValue(ctx, callerKey, id)
}

// CallerFromContext returns the caller identity set on handler admission.
func CallerFromContext(ctx context.Context) (spiffeid.ID, bool) {
	id, ok := ctx.Value(callerKey).(spiffeid.ID)
	return id, ok
}

// WithTaskID stores the active task identifier in the context.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// TaskIDFromContext returns the task identifier the handler is serving.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey).(string)
	return id, ok
}
