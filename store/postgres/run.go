package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

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
	_, err := s.pool.Exec(ctx, `
		INSERT INTO durable_runs (`+runColumns+`
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19,
			$20, $21, $22, $23
		)`,
		r.ID.String(), r.JobID, r.JobVersion, r.EventID, r.EventName, r.EventTimestamp, []byte(r.Payload),
		r.DedupKey, string(r.State), r.Cursor, r.Attempt, r.WakeAt, r.LeaseOwner.String(), r.LeaseUntil,
		r.CancelRequested, r.Timeout.Nanoseconds(), []byte(r.Output), r.Error, string(r.FailureKind),
		r.StartedAt, r.CompletedAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return durable.ErrDuplicateRun
		}
		return fmt.Errorf("durable/postgres: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE id = $1`, runID.String())
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get run: %w", err)
	}
	return r, nil
}

// GetRunByDedupKey retrieves the run created for a delivery.
func (s *Store) GetRunByDedupKey(ctx context.Context, key string) (*run.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM durable_runs WHERE dedup_key = $1`, key)
	r, err := scanRun(row)
	if err != nil {
		if isNoRows(err) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/postgres: get run by dedup key: %w", err)
	}
	return r, nil
}

// UpdateRun persists changes to a run held by owner. cancel_requested is
// only ever raised here, never cleared.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run, owner id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE durable_runs SET
			state = $2, next_seq = $3, attempt = $4, wake_at = $5,
			lease_owner = $6, lease_until = $7,
			cancel_requested = cancel_requested OR $8,
			output = $9, error = $10, failure_kind = $11,
			started_at = $12, completed_at = $13,
			updated_at = NOW()
		WHERE id = $1 AND lease_owner = $14`,
		r.ID.String(), string(r.State), r.Cursor, r.Attempt, r.WakeAt,
		r.LeaseOwner.String(), r.LeaseUntil,
		r.CancelRequested,
		[]byte(r.Output), r.Error, string(r.FailureKind),
		r.StartedAt, r.CompletedAt,
		owner.String(),
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, r.ID); getErr != nil {
			return getErr
		}
		return durable.ErrLeaseLost
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	query := `SELECT ` + runColumns + ` FROM durable_runs WHERE TRUE`
	args := []any{}
	argIdx := 1

	if opts.JobID != "" {
		query += fmt.Sprintf(" AND job_id = $%d", argIdx)
		args = append(args, opts.JobID)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
		argIdx++
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ClaimRuns atomically leases up to limit due runs to owner. Uses
// SELECT FOR UPDATE SKIP LOCKED so concurrent claimers never block on or
// double-claim the same row.
func (s *Store) ClaimRuns(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*run.Run, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE durable_runs
			SET state = 'running', lease_owner = $1, lease_until = $2, updated_at = $3
			WHERE id IN (
				SELECT id FROM durable_runs
				WHERE (
					state IN ('pending', 'waiting') AND (
						cancel_requested
						OR wake_at <= $3
						OR (state = 'pending' AND wake_at IS NULL)
					)
				) OR (
					state = 'running' AND (lease_until IS NULL OR lease_until < $3)
				)
				ORDER BY COALESCE(
					CASE WHEN state = 'running' THEN lease_until END,
					wake_at,
					created_at
				) ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING `+runColumns+`
		)
		SELECT * FROM claimed`,
		owner.String(), now.Add(lease), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: claim runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// ExtendLease renews owner's lease on a running run.
func (s *Store) ExtendLease(ctx context.Context, runID id.RunID, owner id.WorkerID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE durable_runs SET lease_until = $3
		WHERE id = $1 AND state = 'running' AND lease_owner = $2`,
		runID.String(), owner.String(), time.Now().UTC().Add(lease),
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: extend lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
		return durable.ErrLeaseLost
	}
	return nil
}

// ReleaseExpired returns running runs with a missing or expired lease to
// pending. A row claimed concurrently is re-checked once the claim
// commits.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) ([]id.RunID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE durable_runs
		SET state = 'pending', lease_owner = '', lease_until = NULL,
			wake_at = $1, updated_at = NOW()
		WHERE state = 'running' AND (lease_until IS NULL OR lease_until < $1)
		RETURNING id`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: release expired runs: %w", err)
	}
	defer rows.Close()

	var released []id.RunID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("durable/postgres: scan released run: %w", err)
		}
		runID, err := id.ParseRunID(idStr)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: parse run id %q: %w", idStr, err)
		}
		released = append(released, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate released runs: %w", err)
	}
	return released, nil
}

// RequestCancel flags a run for cancellation.
func (s *Store) RequestCancel(ctx context.Context, runID id.RunID) error {
	var state string
	err := s.pool.QueryRow(ctx, `
		UPDATE durable_runs SET
			cancel_requested = cancel_requested OR state NOT IN ('completed', 'failed'),
			updated_at = NOW()
		WHERE id = $1
		RETURNING state`,
		runID.String(),
	).Scan(&state)
	if err != nil {
		if isNoRows(err) {
			return durable.ErrRunNotFound
		}
		return fmt.Errorf("durable/postgres: request cancel: %w", err)
	}
	if run.State(state).Terminal() {
		return durable.ErrRunFinished
	}
	return nil
}

// WakeRun makes a waiting run due immediately.
func (s *Store) WakeRun(ctx context.Context, runID id.RunID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE durable_runs SET wake_at = NOW() WHERE id = $1 AND state = 'waiting'`,
		runID.String(),
	)
	if err != nil {
		return fmt.Errorf("durable/postgres: wake run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetRun(ctx, runID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// scanRun scans a single run row.
func scanRun(row pgx.Row) (*run.Run, error) {
	var (
		r         run.Run
		idStr     string
		stateStr  string
		ownerStr  string
		failure   string
		timeoutNs int64
		payload   []byte
		output    []byte
	)
	err := row.Scan(
		&idStr, &r.JobID, &r.JobVersion, &r.EventID, &r.EventName, &r.EventTimestamp, &payload,
		&r.DedupKey, &stateStr, &r.Cursor, &r.Attempt, &r.WakeAt, &ownerStr, &r.LeaseUntil,
		&r.CancelRequested, &timeoutNs, &output, &r.Error, &failure,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = run.State(stateStr)
	r.FailureKind = run.FailureKind(failure)
	r.Timeout = time.Duration(timeoutNs)
	r.Payload = payload
	r.Output = output

	parsedID, parseErr := id.ParseRunID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("durable/postgres: parse run id %q: %w", idStr, parseErr)
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
func collectRuns(rows pgx.Rows) ([]*run.Run, error) {
	var runs []*run.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("durable/postgres: scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate run rows: %w", err)
	}
	return runs, nil
}
