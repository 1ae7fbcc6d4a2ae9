package middleware

import (
	"context"
	"log/slog"

	"github.com/xraph/durable/run"
)

// Timeout returns middleware that enforces the run's per-execution
// deadline. The deadline covers one replay of the handler; time spent
// waiting between executions does not count.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *run.Run, next Handler) error {
		if r.Timeout > 0 {
			logger.Debug("run timeout set",
				slog.String("run_id", r.ID.String()),
				slog.Duration("timeout", r.Timeout),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		return next(ctx)
	}
}
