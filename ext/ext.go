// Package ext defines the extension system. Extensions are notified of run
// lifecycle events (created, started, waiting, completed, failed, task
// completed, task retrying, shutdown) and can react to them with logging,
// metrics, auditing and similar concerns.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/durable/run"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Run lifecycle hooks
// ──────────────────────────────────────────────────

// RunCreated is called after a trigger event creates a run.
type RunCreated interface {
	OnRunCreated(ctx context.Context, r *run.Run) error
}

// RunStarted is called the first time a worker executes a run.
type RunStarted interface {
	OnRunStarted(ctx context.Context, r *run.Run) error
}

// RunWaiting is called when a run suspends. r.WakeAt holds the resume
// time, or nil when only a signal can wake it.
type RunWaiting interface {
	OnRunWaiting(ctx context.Context, r *run.Run) error
}

// RunCompleted is called after a handler returns successfully. elapsed is
// measured from the run's first execution.
type RunCompleted interface {
	OnRunCompleted(ctx context.Context, r *run.Run, elapsed time.Duration) error
}

// RunFailed is called when a run fails terminally.
type RunFailed interface {
	OnRunFailed(ctx context.Context, r *run.Run, err error) error
}

// ──────────────────────────────────────────────────
// Task hooks
// ──────────────────────────────────────────────────

// TaskCompleted is called after a RunTask callback executes and its result
// is recorded. Journal replays do not fire it.
type TaskCompleted interface {
	OnTaskCompleted(ctx context.Context, r *run.Run, key string, elapsed time.Duration) error
}

// TaskRetrying is called when a RunTask callback fails and the run is
// suspended until nextAttemptAt.
type TaskRetrying interface {
	OnTaskRetrying(ctx context.Context, r *run.Run, key string, attempt int, nextAttemptAt time.Time, err error) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
