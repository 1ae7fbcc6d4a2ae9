package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

const runColumns = `
	id, job_id, job_version, event_id, event_name, event_timestamp, payload,
	dedup_key, state, next_seq, attempt, wake_at, lease_owner, lease_until,
	cancel_requested, timeout, output, error, failure_kind,
	started_at, completed_at, created_at, updated_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_runs (`+runColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.JobID, r.JobVersion, r.EventID, r.EventName, toNanos(r.EventTimestamp), []byte(r.Payload),
		r.DedupKey, string(r.State), r.Cursor, r.Attempt, toNanos(r.WakeAt), r.LeaseOwner.String(), toNanos(r.LeaseUntil),
		r.CancelRequested, r.Timeout.Nanoseconds(), []byte(r.Output), r.Error, string(r.FailureKind),
		toNanos(r.StartedAt), toNanos(r.CompletedAt), r.CreatedAt.UTC().UnixNano(), r.UpdatedAt.UTC().UnixNano(),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return durable.ErrDuplicateRun
		}
		return fmt.Errorf("durable/sqlite: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE id = ?`, runID.String())
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/sqlite: get run: %w", err)
	}
	return r, nil
}

// GetRunByDedupKey retrieves the run created for a delivery.
func (s *Store) GetRunByDedupKey(ctx context.Context, key string) (*run.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE dedup_key = ?`, key)
	r, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/sqlite: get run by dedup key: %w", err)
	}
	return r, nil
}

// UpdateRun persists changes to a run held by owner. cancel_requested is
// only ever raised here, never cleared.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run, owner id.WorkerID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE durable_runs SET
			state = ?, next_seq = ?, attempt = ?, wake_at = ?,
			lease_owner = ?, lease_until = ?,
			cancel_requested = MAX(cancel_requested, ?),
			output = ?, error = ?, failure_kind = ?,
			started_at = ?, completed_at = ?,
			updated_at = ?
		WHERE id = ? AND lease_owner = ?`,
		string(r.State), r.Cursor, r.Attempt, toNanos(r.WakeAt),
		r.LeaseOwner.String(), toNanos(r.LeaseUntil),
		r.CancelRequested,
		[]byte(r.Output), r.Error, string(r.FailureKind),
		toNanos(r.StartedAt), toNanos(r.CompletedAt),
		time.Now().UTC().UnixNano(),
		r.ID.String(), owner.String(),
	)
	if err != nil {
		return fmt.Errorf("durable/sqlite: update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetRun(ctx, r.ID); getErr != nil {
			return getErr
		}
		return durable.ErrLeaseLost
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	var (
		where []string
		args  []any
	)
	if opts.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, opts.JobID)
	}
	if opts.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(opts.State))
	}

	query := `SELECT ` + runColumns + ` FROM durable_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	// SQLite requires LIMIT whenever OFFSET is present; -1 means no limit.
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := -1
		if opts.Limit > 0 {
			limit = opts.Limit
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ClaimRuns atomically leases up to limit due runs to owner. The single
// connection serializes claimers, so the UPDATE cannot double-claim.
func (s *Store) ClaimRuns(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*run.Run, error) {
	now := time.Now().UTC()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE durable_runs
		SET state = 'running', lease_owner = ?, lease_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM durable_runs
			WHERE (
				state IN ('pending', 'waiting') AND (
					cancel_requested
					OR wake_at <= ?
					OR (state = 'pending' AND wake_at IS NULL)
				)
			) OR (
				state = 'running' AND (lease_until IS NULL OR lease_until < ?)
			)
			ORDER BY COALESCE(
				CASE WHEN state = 'running' THEN lease_until END,
				wake_at,
				created_at
			) ASC
			LIMIT ?
		)
		RETURNING `+runColumns,
		owner.String(), now.Add(lease).UnixNano(), now.UnixNano(),
		now.UnixNano(), now.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: claim runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ExtendLease renews owner's lease on a running run.
func (s *Store) ExtendLease(ctx context.Context, runID id.RunID, owner id.WorkerID, lease time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE durable_runs SET lease_until = ?
		WHERE id = ? AND state = 'running' AND lease_owner = ?`,
		time.Now().UTC().Add(lease).UnixNano(), runID.String(), owner.String(),
	)
	if err != nil {
		return fmt.Errorf("durable/sqlite: extend lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return durable.ErrLeaseLost
	}
	return nil
}

// ReleaseExpired returns running runs with a missing or expired lease to
// pending.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) ([]id.RunID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE durable_runs
		SET state = 'pending', lease_owner = '', lease_until = NULL,
			wake_at = ?, updated_at = ?
		WHERE state = 'running' AND (lease_until IS NULL OR lease_until < ?)
		RETURNING id`,
		now.UTC().UnixNano(), time.Now().UTC().UnixNano(), now.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: release expired runs: %w", err)
	}
	defer rows.Close()

	var released []id.RunID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("durable/sqlite: scan released run: %w", err)
		}
		runID, err := id.ParseRunID(idStr)
		if err != nil {
			return nil, fmt.Errorf("durable/sqlite: parse run id %q: %w", idStr, err)
		}
		released = append(released, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/sqlite: iterate released runs: %w", err)
	}
	return released, nil
}

// RequestCancel flags a run for cancellation.
func (s *Store) RequestCancel(ctx context.Context, runID id.RunID) error {
	var state string
	err := s.db.QueryRowContext(ctx, `
		UPDATE durable_runs SET
			cancel_requested = cancel_requested OR state NOT IN ('completed', 'failed'),
			updated_at = ?
		WHERE id = ?
		RETURNING state`,
		time.Now().UTC().UnixNano(), runID.String(),
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return durable.ErrRunNotFound
		}
		return fmt.Errorf("durable/sqlite: request cancel: %w", err)
	}
	if run.State(state).Terminal() {
		return durable.ErrRunFinished
	}
	return nil
}

// WakeRun makes a waiting run due immediately.
func (s *Store) WakeRun(ctx context.Context, runID id.RunID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE durable_runs SET wake_at = ? WHERE id = ? AND state = 'waiting'`,
		time.Now().UTC().UnixNano(), runID.String(),
	)
	if err != nil {
		return fmt.Errorf("durable/sqlite: wake run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanRun scans a single run row.
func scanRun(row rowScanner) (*run.Run, error) {
	var (
		r          run.Run
		idStr      string
		stateStr   string
		ownerStr   string
		failure    string
		timeoutNs  int64
		createdNs  int64
		updatedNs  int64
		payload    []byte
		output     []byte
		eventTS    sql.NullInt64
		wakeAt     sql.NullInt64
		leaseUntil sql.NullInt64
		startedAt  sql.NullInt64
		completed  sql.NullInt64
	)
	err := row.Scan(
		&idStr, &r.JobID, &r.JobVersion, &r.EventID, &r.EventName, &eventTS, &payload,
		&r.DedupKey, &stateStr, &r.Cursor, &r.Attempt, &wakeAt, &ownerStr, &leaseUntil,
		&r.CancelRequested, &timeoutNs, &output, &r.Error, &failure,
		&startedAt, &completed, &createdNs, &updatedNs,
	)
	if err != nil {
		return nil, err
	}

	r.State = run.State(stateStr)
	r.FailureKind = run.FailureKind(failure)
	r.Timeout = time.Duration(timeoutNs)
	r.Payload = payload
	r.Output = output
	r.EventTimestamp = fromNanos(eventTS)
	r.WakeAt = fromNanos(wakeAt)
	r.LeaseUntil = fromNanos(leaseUntil)
	r.StartedAt = fromNanos(startedAt)
	r.CompletedAt = fromNanos(completed)
	r.CreatedAt = time.Unix(0, createdNs).UTC()
	r.UpdatedAt = time.Unix(0, updatedNs).UTC()

	parsedID, parseErr := id.ParseRunID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("durable/sqlite: parse run id %q: %w", idStr, parseErr)
	}
	r.ID = parsedID

	if ownerStr != "" {
		parsedOwner, ownerErr := id.ParseWorkerID(ownerStr)
		if ownerErr == nil {
			r.LeaseOwner = parsedOwner
		}
	}

	return &r, nil
}

// collectRuns collects all runs from query rows.
func collectRuns(rows *sql.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/sqlite: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/sqlite: iterate run rows: %w", err)
	}
	return runs, nil
}
