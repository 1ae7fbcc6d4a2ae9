package run

import (
	"context"
	"time"

	"github.com/xraph/durable/id"
)

// ListOpts controls filtering and pagination for run list queries.
type ListOpts struct {
	JobID  string
	State  State
	Limit  int
	Offset int
}

// Store persists runs.
type Store interface {
	// CreateRun persists a new run. It fails with durable.ErrDuplicateRun
	// when a run with the same DedupKey exists.
	CreateRun(ctx context.Context, r *Run) error

	// GetRun returns a run by ID or durable.ErrRunNotFound.
	GetRun(ctx context.Context, runID id.RunID) (*Run, error)

	// GetRunByDedupKey returns the run created for a delivery.
	GetRunByDedupKey(ctx context.Context, key string) (*Run, error)

	// UpdateRun persists changes to a run held by owner. It fails with
	// durable.ErrLeaseLost when the stored lease owner is not owner, so a
	// worker whose lease was taken over cannot overwrite the new holder's
	// writes. Pass id.Nil for a run nobody holds. It never clears
	// CancelRequested.
	UpdateRun(ctx context.Context, r *Run, owner id.WorkerID) error

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)

	// ClaimRuns atomically leases up to limit due runs to owner and marks
	// them running. A run is due when it is pending or waiting with
	// WakeAt <= now, when it has a pending cancellation, or when it is
	// running with an expired lease.
	ClaimRuns(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*Run, error)

	// ExtendLease renews owner's lease on a running run. It fails with
	// durable.ErrLeaseLost when owner no longer holds it.
	ExtendLease(ctx context.Context, runID id.RunID, owner id.WorkerID, lease time.Duration) error

	// ReleaseExpired returns every running run whose lease is missing or
	// expired at now to pending, due at now, in one atomic step. It
	// returns the IDs of the released runs.
	ReleaseExpired(ctx context.Context, now time.Time) ([]id.RunID, error)

	// RequestCancel flags a run for cancellation.
	RequestCancel(ctx context.Context, runID id.RunID) error

	// WakeRun makes a waiting run due immediately. It is a no-op for runs
	// in any other state.
	WakeRun(ctx context.Context, runID id.RunID) error
}
