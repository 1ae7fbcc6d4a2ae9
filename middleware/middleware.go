package middleware

import (
	"context"
	"errors"

	"github.com/xraph/durable"
	"github.com/xraph/durable/run"
)

// Handler is the terminal function that executes the run's handler.
type Handler func(ctx context.Context) error

// Middleware wraps a Handler with cross-cutting logic.
// It receives the current context, the run being executed, and the
// next handler to call.
type Middleware func(ctx context.Context, r *run.Run, next Handler) error

// Chain composes multiple middleware into a single Middleware.
// The first middleware in the list is the outermost wrapper.
//
// Example: Chain(logging, recover, timeout) executes as:
//
//	logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, r *run.Run, next Handler) error {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) error {
				return mw(ctx, r, prev)
			}
		}
		return h(ctx)
	}
}

// outcome classifies an execution result for logs and metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, durable.ErrSuspended):
		return "suspended"
	default:
		return "error"
	}
}
