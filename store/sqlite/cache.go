package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/id"
)

// GetTask returns the entry for (runID, key), or nil when absent.
func (s *Store) GetTask(ctx context.Context, runID id.RunID, key string) (*cache.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, key, seq, kind, result, completed_at
		FROM durable_tasks
		WHERE run_id = ? AND key = ?`,
		runID.String(), key,
	)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // absence is not an error
		}
		return nil, fmt.Errorf("durable/sqlite: get task: %w", err)
	}
	return e, nil
}

// PutTask records a new entry. A primary key violation means the cache key
// is taken; a unique index violation means the journal slot is.
func (s *Store) PutTask(ctx context.Context, e *cache.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO durable_tasks (run_id, key, seq, kind, result, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID.String(), e.Key, e.Seq, string(e.Kind), []byte(e.Result), e.CompletedAt.UTC().UnixNano(),
	)
	if err != nil {
		if code, ok := constraintCode(err); ok {
			switch code {
			case sqlite3.ErrConstraintPrimaryKey:
				return durable.ErrDuplicateCacheKey
			case sqlite3.ErrConstraintUnique:
				return durable.ErrDuplicateStep
			}
		}
		return fmt.Errorf("durable/sqlite: put task: %w", err)
	}
	return nil
}

// ListTasks returns all entries for a run ordered by seq.
func (s *Store) ListTasks(ctx context.Context, runID id.RunID) ([]*cache.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, key, seq, kind, result, completed_at
		FROM durable_tasks
		WHERE run_id = ?
		ORDER BY seq ASC, key ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var entries []*cache.Entry
	for rows.Next() {
		e, scanErr := scanEntry(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("durable/sqlite: scan task row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable/sqlite: iterate task rows: %w", err)
	}
	return entries, nil
}

// DeleteTasks removes all entries for a run.
func (s *Store) DeleteTasks(ctx context.Context, runID id.RunID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM durable_tasks WHERE run_id = ?`, runID.String()); err != nil {
		return fmt.Errorf("durable/sqlite: delete tasks: %w", err)
	}
	return nil
}

// scanEntry scans a single task row.
func scanEntry(row rowScanner) (*cache.Entry, error) {
	var (
		e           cache.Entry
		runStr      string
		kindStr     string
		result      []byte
		completedNs int64
	)
	if err := row.Scan(&runStr, &e.Key, &e.Seq, &kindStr, &result, &completedNs); err != nil {
		return nil, err
	}
	runID, err := id.ParseRunID(runStr)
	if err != nil {
		return nil, fmt.Errorf("durable/sqlite: parse run id %q: %w", runStr, err)
	}
	e.RunID = runID
	e.Kind = cache.Kind(kindStr)
	e.Result = result
	e.CompletedAt = time.Unix(0, completedNs).UTC()
	return &e, nil
}
