package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/durable/run"
)

// Logging returns middleware that logs execution start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *run.Run, next Handler) error {
		logger.Debug("run execution started",
			slog.String("run_id", r.ID.String()),
			slog.String("job_id", r.JobID),
			slog.Int("cursor", r.Cursor),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		switch outcome(err) {
		case "ok":
			logger.Info("run execution finished",
				slog.String("run_id", r.ID.String()),
				slog.String("job_id", r.JobID),
				slog.Duration("elapsed", elapsed),
			)
		case "suspended":
			logger.Debug("run execution suspended",
				slog.String("run_id", r.ID.String()),
				slog.String("job_id", r.JobID),
				slog.Duration("elapsed", elapsed),
			)
		default:
			logger.Error("run execution failed",
				slog.String("run_id", r.ID.String()),
				slog.String("job_id", r.JobID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		}
		return err
	}
}
