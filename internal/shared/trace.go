// Package shared holds the request-scoped identifiers and redaction used
// across the mirror.
package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey indexes the identifiers carried on a context. The values double as
// log attribute names.
type ctxKey string

const (
	keyTrace ctxKey = "trace_id"
	keyRun   ctxKey = "run_id"
	keyChain ctxKey = "chain_id"
	keyTask  ctxKey = "task_id"
)

// logOrder is the order LogAttrs emits identifiers in.
var logOrder = []ctxKey{keyRun, keyChain, keyTask}

func with(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func get(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return with(ctx, keyTrace, traceID)
}

// TraceID returns the trace id on ctx, or "-" when there is none.
func TraceID(ctx context.Context) string {
	if v := get(ctx, keyTrace); v != "" {
		return v
	}
	return "-"
}

// NewTraceID and NewRunID return random UUIDs.
func NewTraceID() string { return uuid.NewString() }
func NewRunID() string   { return uuid.NewString() }

// WithRunID tags ctx with the reconciliation run driving it.
func WithRunID(ctx context.Context, runID string) context.Context {
	return with(ctx, keyRun, runID)
}

func RunID(ctx context.Context) string { return get(ctx, keyRun) }

// WithChainID tags ctx with the chain being mirrored.
func WithChainID(ctx context.Context, chainID string) context.Context {
	return with(ctx, keyChain, chainID)
}

func ChainID(ctx context.Context) string { return get(ctx, keyChain) }

// WithTaskID tags ctx with an on-chain task id.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return with(ctx, keyTask, taskID)
}

func TaskID(ctx context.Context) string { return get(ctx, keyTask) }

// LogAttrs returns the identifiers on ctx as slog key/value pairs. trace_id
// is always present; the others only when set.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{string(keyTrace), TraceID(ctx)}
	for _, k := range logOrder {
		if v := get(ctx, k); v != "" {
			attrs = append(attrs, string(k), v)
		}
	}
	return attrs
}
