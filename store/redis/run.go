package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, r *run.Run) error {
	rID := r.ID.String()
	args := []any{rID, r.DedupKey, dueScore(r), score(r.CreatedAt)}
	args = append(args, runToArgs(r)...)

	ok, err := createRunScript.Run(ctx, s.client,
		[]string{runKey(rID), dedupKey, dueKey, runsKey}, args...,
	).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: create run: %w", err)
	}
	if ok == 0 {
		return durable.ErrDuplicateRun
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return s.getRunByKey(ctx, runKey(runID.String()))
}

// GetRunByDedupKey retrieves the run created for a delivery.
func (s *Store) GetRunByDedupKey(ctx context.Context, key string) (*run.Run, error) {
	rID, err := s.client.HGet(ctx, dedupKey, key).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, durable.ErrRunNotFound
		}
		return nil, fmt.Errorf("durable/redis: get run by dedup key: %w", err)
	}
	return s.getRunByKey(ctx, runKey(rID))
}

// UpdateRun persists changes to a run held by owner. cancel_requested is
// only ever raised here, never cleared.
func (s *Store) UpdateRun(ctx context.Context, r *run.Run, owner id.WorkerID) error {
	rID := r.ID.String()
	cp := *r
	cp.UpdatedAt = time.Now().UTC()

	args := []any{rID, dueScore(&cp), string(cp.State), owner.String()}
	args = append(args, mutableArgs(&cp)...)

	res, err := updateRunScript.Run(ctx, s.client, []string{runKey(rID), dueKey}, args...).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: update run: %w", err)
	}
	switch res {
	case -1:
		return durable.ErrRunNotFound
	case 0:
		return durable.ErrLeaseLost
	}
	return nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	ids, err := s.client.ZRevRange(ctx, runsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: list runs zrevrange: %w", err)
	}

	all, err := s.getRuns(ctx, ids)
	if err != nil {
		return nil, err
	}

	runs := make([]*run.Run, 0, len(all))
	for _, r := range all {
		if opts.JobID != "" && r.JobID != opts.JobID {
			continue
		}
		if opts.State != "" && r.State != opts.State {
			continue
		}
		runs = append(runs, r)
	}

	if opts.Offset >= len(runs) {
		return nil, nil
	}
	runs = runs[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(runs) {
		runs = runs[:opts.Limit]
	}
	return runs, nil
}

// ClaimRuns atomically leases up to limit due runs to owner.
func (s *Store) ClaimRuns(ctx context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*run.Run, error) {
	now := time.Now().UTC()
	until := now.Add(lease)

	ids, err := claimRunsScript.Run(ctx, s.client, []string{dueKey},
		score(now), limit, runKeyPrefix, owner.String(),
		formatTime(&until), score(until), formatTime(&now),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: claim runs: %w", err)
	}
	return s.getRuns(ctx, ids)
}

// ExtendLease renews owner's lease on a running run.
func (s *Store) ExtendLease(ctx context.Context, runID id.RunID, owner id.WorkerID, lease time.Duration) error {
	rID := runID.String()
	until := time.Now().UTC().Add(lease)

	res, err := extendLeaseScript.Run(ctx, s.client, []string{runKey(rID), dueKey},
		rID, owner.String(), formatTime(&until), score(until),
	).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: extend lease: %w", err)
	}
	switch res {
	case -1:
		return durable.ErrRunNotFound
	case 0:
		return durable.ErrLeaseLost
	}
	return nil
}

// ReleaseExpired returns running runs with a missing or expired lease to
// pending.
func (s *Store) ReleaseExpired(ctx context.Context, now time.Time) ([]id.RunID, error) {
	now = now.UTC()
	updated := time.Now().UTC()

	ids, err := releaseExpiredScript.Run(ctx, s.client, []string{dueKey},
		score(now), runKeyPrefix, formatTime(&now), formatTime(&updated),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: release expired runs: %w", err)
	}

	released := make([]id.RunID, 0, len(ids))
	for _, v := range ids {
		runID, err := id.ParseRunID(v)
		if err != nil {
			return nil, fmt.Errorf("durable/redis: parse run id %q: %w", v, err)
		}
		released = append(released, runID)
	}
	return released, nil
}

// RequestCancel flags a run for cancellation.
func (s *Store) RequestCancel(ctx context.Context, runID id.RunID) error {
	rID := runID.String()
	now := time.Now().UTC()

	res, err := requestCancelScript.Run(ctx, s.client, []string{runKey(rID), dueKey},
		rID, formatTime(&now),
	).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: request cancel: %w", err)
	}
	switch res {
	case -1:
		return durable.ErrRunNotFound
	case 0:
		return durable.ErrRunFinished
	}
	return nil
}

// WakeRun makes a waiting run due immediately.
func (s *Store) WakeRun(ctx context.Context, runID id.RunID) error {
	rID := runID.String()
	now := time.Now().UTC()

	res, err := wakeRunScript.Run(ctx, s.client, []string{runKey(rID), dueKey},
		rID, formatTime(&now), score(now),
	).Int64()
	if err != nil {
		return fmt.Errorf("durable/redis: wake run: %w", err)
	}
	if res == -1 {
		return durable.ErrRunNotFound
	}
	return nil
}

// ── helpers ──

// score converts t to a sorted-set score in Unix microseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// dueScore returns the due-set score of r, or "" when r is not claimable
// until something else happens to it.
func dueScore(r *run.Run) string {
	format := func(t time.Time) string { return strconv.FormatFloat(score(t), 'f', -1, 64) }

	switch r.State {
	case run.StatePending, run.StateWaiting:
		if r.CancelRequested {
			return "0"
		}
		if r.WakeAt != nil {
			return format(*r.WakeAt)
		}
		if r.State == run.StatePending {
			return format(r.CreatedAt)
		}
		return ""
	case run.StateRunning:
		if r.LeaseUntil == nil {
			return "0"
		}
		return format(*r.LeaseUntil)
	default:
		return ""
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// runToArgs flattens every run field into HSET arguments.
func runToArgs(r *run.Run) []any {
	args := []any{
		"id", r.ID.String(),
		"job_id", r.JobID,
		"job_version", r.JobVersion,
		"event_id", r.EventID,
		"event_name", r.EventName,
		"event_timestamp", formatTime(r.EventTimestamp),
		"payload", string(r.Payload),
		"dedup_key", r.DedupKey,
		"timeout", strconv.FormatInt(int64(r.Timeout), 10),
		"created_at", formatTime(&r.CreatedAt),
	}
	return append(args, mutableArgs(r)...)
}

// mutableArgs flattens the fields UpdateRun may change.
func mutableArgs(r *run.Run) []any {
	return []any{
		"state", string(r.State),
		"next_seq", strconv.Itoa(r.Cursor),
		"attempt", strconv.Itoa(r.Attempt),
		"wake_at", formatTime(r.WakeAt),
		"lease_owner", r.LeaseOwner.String(),
		"lease_until", formatTime(r.LeaseUntil),
		"cancel_requested", boolString(r.CancelRequested),
		"output", string(r.Output),
		"error", r.Error,
		"failure_kind", string(r.FailureKind),
		"started_at", formatTime(r.StartedAt),
		"completed_at", formatTime(r.CompletedAt),
		"updated_at", formatTime(&r.UpdatedAt),
	}
}

func (s *Store) getRunByKey(ctx context.Context, key string) (*run.Run, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("durable/redis: get run: %w", err)
	}
	if len(vals) == 0 {
		return nil, durable.ErrRunNotFound
	}
	return mapToRun(vals)
}

// getRuns loads runs in the order of ids, skipping any that vanished.
func (s *Store) getRuns(ctx context.Context, ids []string) ([]*run.Run, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, rID := range ids {
		cmds[i] = pipe.HGetAll(ctx, runKey(rID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("durable/redis: load runs: %w", err)
	}

	runs := make([]*run.Run, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		r, err := mapToRun(vals)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, nil
}

func mapToRun(m map[string]string) (*run.Run, error) {
	rID, err := id.ParseRunID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("durable/redis: parse run id: %w", err)
	}

	cursor, _ := strconv.Atoi(m["next_seq"])             //nolint:errcheck // best-effort parse from trusted Redis data
	attempt, _ := strconv.Atoi(m["attempt"])             //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	r := &run.Run{
		ID:              rID,
		JobID:           m["job_id"],
		JobVersion:      m["job_version"],
		EventID:         m["event_id"],
		EventName:       m["event_name"],
		EventTimestamp:  parseTime(m["event_timestamp"]),
		DedupKey:        m["dedup_key"],
		State:           run.State(m["state"]),
		Cursor:          cursor,
		Attempt:         attempt,
		WakeAt:          parseTime(m["wake_at"]),
		LeaseUntil:      parseTime(m["lease_until"]),
		CancelRequested: m["cancel_requested"] == "1",
		Timeout:         time.Duration(timeout),
		Error:           m["error"],
		FailureKind:     run.FailureKind(m["failure_kind"]),
		StartedAt:       parseTime(m["started_at"]),
		CompletedAt:     parseTime(m["completed_at"]),
	}
	if v := m["payload"]; v != "" {
		r.Payload = []byte(v)
	}
	if v := m["output"]; v != "" {
		r.Output = []byte(v)
	}
	if t := parseTime(m["created_at"]); t != nil {
		r.CreatedAt = *t
	}
	if t := parseTime(m["updated_at"]); t != nil {
		r.UpdatedAt = *t
	}
	if owner := m["lease_owner"]; owner != "" {
		r.LeaseOwner, _ = id.ParseWorkerID(owner) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	return r, nil
}
