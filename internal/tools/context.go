package tools

import "context"

type contextKey string

const runIDKey contextKey = "run_id"

// WithRunID tags ctx with the orchestration run that issued a call.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// RunIDFromContext extracts the run ID from the context.
// Returns "default" if not set.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
