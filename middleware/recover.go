package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xraph/durable/run"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *run.Run, next Handler) (retErr error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("run handler panicked",
					slog.String("run_id", r.ID.String()),
					slog.String("job_id", r.JobID),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				retErr = fmt.Errorf("panic in job %s: %v", r.JobID, p)
			}
		}()
		return next(ctx)
	}
}
