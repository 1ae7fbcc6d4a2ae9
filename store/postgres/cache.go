package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/id"
)

// Constraint names from migrations/001_init.sql.
const (
	constraintTaskKey = "durable_tasks_pkey"
	constraintTaskSeq = "durable_tasks_run_seq"
)

// GetTask returns the entry for (runID, key), or nil when absent.
func (s *Store) GetTask(ctx context.Context, runID id.RunID, key string) (*cache.Entry, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT run_id, key, seq, kind, result, completed_at
		FROM durable_tasks
		WHERE run_id = $1 AND key = $2`,
		runID.String(), key,
	)
	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("durable/postgres: get task: %w", err)
	}
	return e, nil
}

// PutTask records a new entry. The primary key and the partial unique
// index on (run_id, seq) make the insert write-once.
func (s *Store) PutTask(ctx context.Context, e *cache.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO durable_tasks (run_id, key, seq, kind, result, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.RunID.String(), e.Key, e.Seq, string(e.Kind), []byte(e.Result), e.CompletedAt,
	)
	if err != nil {
		if constraint, ok := duplicateConstraint(err); ok {
			if constraint == constraintTaskSeq {
				return durable.ErrDuplicateStep
			}
			return durable.ErrDuplicateCacheKey
		}
		return fmt.Errorf("durable/postgres: put task: %w", err)
	}
	return nil
}

// ListTasks returns all entries for a run ordered by seq.
func (s *Store) ListTasks(ctx context.Context, runID id.RunID) ([]*cache.Entry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT run_id, key, seq, kind, result, completed_at
		FROM durable_tasks
		WHERE run_id = $1
		ORDER BY seq ASC, key ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var entries []*cache.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("durable/postgres: scan task row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/postgres: iterate task rows: %w", err)
	}
	return entries, nil
}

// DeleteTasks removes all entries for a run.
func (s *Store) DeleteTasks(ctx context.Context, runID id.RunID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM durable_tasks WHERE run_id = $1`, runID.String()); err != nil {
		return fmt.Errorf("durable/postgres: delete tasks: %w", err)
	}
	return nil
}

// scanEntry scans a single task row.
func scanEntry(row pgx.Row) (*cache.Entry, error) {
	var (
		e       cache.Entry
		runStr  string
		kindStr string
		result  []byte
	)
	if err := row.Scan(&runStr, &e.Key, &e.Seq, &kindStr, &result, &e.CompletedAt); err != nil {
		return nil, err
	}
	runID, err := id.ParseRunID(runStr)
	if err != nil {
		return nil, fmt.Errorf("durable/postgres: parse run id %q: %w", runStr, err)
	}
	e.RunID = runID
	e.Kind = cache.Kind(kindStr)
	e.Result = result
	return &e, nil
}
