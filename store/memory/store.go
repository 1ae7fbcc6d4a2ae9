// Package memory provides a fully in-memory implementation of store.Store.
// It is safe for concurrent use and intended for unit testing and
// development. Nothing survives a process restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

// Ensure Store implements every subsystem store at compile time.
// We can't import store here (import cycle in tests), so we verify each.
var (
	_ run.Store   = (*Store)(nil)
	_ cache.Store = (*Store)(nil)
)

// Store keeps runs and task cache entries in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	runs  map[string]*run.Run
	dedup map[string]string // dedup key → run ID

	tasks map[string]map[string]*cache.Entry // run ID → cache key → entry
	steps map[string]map[int]string          // run ID → seq → cache key

	now func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides the time source used for claims and leases.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		runs:  make(map[string]*run.Run),
		dedup: make(map[string]string),
		tasks: make(map[string]map[string]*cache.Entry),
		steps: make(map[string]map[int]string),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Run Store
// ──────────────────────────────────────────────────

// CreateRun persists a new run.
func (m *Store) CreateRun(_ context.Context, r *run.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	if _, exists := m.runs[key]; exists {
		return durable.ErrDuplicateRun
	}
	if r.DedupKey != "" {
		if _, exists := m.dedup[r.DedupKey]; exists {
			return durable.ErrDuplicateRun
		}
		m.dedup[r.DedupKey] = key
	}
	m.runs[key] = copyRun(r)
	return nil
}

// GetRun retrieves a run by ID.
func (m *Store) GetRun(_ context.Context, runID id.RunID) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	return copyRun(r), nil
}

// GetRunByDedupKey retrieves the run created for a delivery.
func (m *Store) GetRunByDedupKey(_ context.Context, key string) (*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runID, ok := m.dedup[key]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	return copyRun(m.runs[runID]), nil
}

// UpdateRun persists changes to a run held by owner. A cancellation flag
// set concurrently through RequestCancel is preserved.
func (m *Store) UpdateRun(_ context.Context, r *run.Run, owner id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := r.ID.String()
	stored, ok := m.runs[key]
	if !ok {
		return durable.ErrRunNotFound
	}
	if stored.LeaseOwner.String() != owner.String() {
		return durable.ErrLeaseLost
	}
	cp := copyRun(r)
	cp.CancelRequested = stored.CancelRequested || r.CancelRequested
	cp.UpdatedAt = m.now()
	m.runs[key] = cp
	return nil
}

// ListRuns returns runs newest first.
func (m *Store) ListRuns(_ context.Context, opts run.ListOpts) ([]*run.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*run.Run, 0, len(m.runs))
	for _, r := range m.runs {
		if opts.JobID != "" && r.JobID != opts.JobID {
			continue
		}
		if opts.State != "" && r.State != opts.State {
			continue
		}
		result = append(result, copyRun(r))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID.String() > result[j].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return []*run.Run{}, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// ClaimRuns atomically leases up to limit due runs to owner.
func (m *Store) ClaimRuns(_ context.Context, owner id.WorkerID, limit int, lease time.Duration) ([]*run.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	candidates := make([]*run.Run, 0)
	for _, r := range m.runs {
		if due(r, now) {
			candidates = append(candidates, r)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return dueAt(candidates[i]).Before(dueAt(candidates[j]))
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	until := now.Add(lease)
	result := make([]*run.Run, len(candidates))
	for i, r := range candidates {
		r.State = run.StateRunning
		r.LeaseOwner = owner
		u := until
		r.LeaseUntil = &u
		r.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		result[i] = copyRun(r)
	}
	return result, nil
}

// ExtendLease renews owner's lease on a running run.
func (m *Store) ExtendLease(_ context.Context, runID id.RunID, owner id.WorkerID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return durable.ErrRunNotFound
	}
	if r.State != run.StateRunning || r.LeaseOwner.String() != owner.String() {
		return durable.ErrLeaseLost
	}
	until := m.now().Add(lease)
	r.LeaseUntil = &until
	return nil
}

// ReleaseExpired returns running runs with a missing or expired lease to
// pending.
func (m *Store) ReleaseExpired(_ context.Context, now time.Time) ([]id.RunID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []id.RunID
	for _, r := range m.runs {
		if r.State != run.StateRunning || (r.LeaseUntil != nil && !r.LeaseUntil.Before(now)) {
			continue
		}
		wake := now
		r.State = run.StatePending
		r.LeaseOwner = id.Nil
		r.LeaseUntil = nil
		r.WakeAt = &wake
		r.UpdatedAt = m.now()
		released = append(released, r.ID)
	}
	return released, nil
}

// RequestCancel flags a run for cancellation.
func (m *Store) RequestCancel(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return durable.ErrRunNotFound
	}
	if r.State.Terminal() {
		return durable.ErrRunFinished
	}
	r.CancelRequested = true
	r.UpdatedAt = m.now()
	return nil
}

// WakeRun makes a waiting run due immediately.
func (m *Store) WakeRun(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[runID.String()]
	if !ok {
		return durable.ErrRunNotFound
	}
	if r.State != run.StateWaiting {
		return nil
	}
	now := m.now()
	r.WakeAt = &now
	return nil
}

// due reports whether r may be claimed at now.
func due(r *run.Run, now time.Time) bool {
	switch r.State {
	case run.StatePending, run.StateWaiting:
		if r.CancelRequested {
			return true
		}
		if r.WakeAt == nil {
			return r.State == run.StatePending
		}
		return !r.WakeAt.After(now)
	case run.StateRunning:
		return r.LeaseUntil == nil || r.LeaseUntil.Before(now)
	default:
		return false
	}
}

func dueAt(r *run.Run) time.Time {
	if r.State == run.StateRunning && r.LeaseUntil != nil {
		return *r.LeaseUntil
	}
	if r.WakeAt != nil {
		return *r.WakeAt
	}
	return r.CreatedAt
}

// ──────────────────────────────────────────────────
// Cache Store
// ──────────────────────────────────────────────────

// GetTask returns the entry for (runID, key), or nil when absent.
func (m *Store) GetTask(_ context.Context, runID id.RunID, key string) (*cache.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.tasks[runID.String()][key]
	if !ok {
		return nil, nil //nolint:nilnil // absence is not an error
	}
	return copyEntry(e), nil
}

// PutTask records a new entry if neither its key nor its sequence number
// is taken.
func (m *Store) PutTask(_ context.Context, e *cache.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	runKey := e.RunID.String()
	byKey, ok := m.tasks[runKey]
	if !ok {
		byKey = make(map[string]*cache.Entry)
		m.tasks[runKey] = byKey
	}
	bySeq, ok := m.steps[runKey]
	if !ok {
		bySeq = make(map[int]string)
		m.steps[runKey] = bySeq
	}

	if _, exists := byKey[e.Key]; exists {
		return durable.ErrDuplicateCacheKey
	}
	if e.Journaled() {
		if _, exists := bySeq[e.Seq]; exists {
			return durable.ErrDuplicateStep
		}
		bySeq[e.Seq] = e.Key
	}
	byKey[e.Key] = copyEntry(e)
	return nil
}

// ListTasks returns a run's entries ordered by Seq.
func (m *Store) ListTasks(_ context.Context, runID id.RunID) ([]*cache.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byKey := m.tasks[runID.String()]
	result := make([]*cache.Entry, 0, len(byKey))
	for _, e := range byKey {
		result = append(result, copyEntry(e))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Seq != result[j].Seq {
			return result[i].Seq < result[j].Seq
		}
		return result[i].Key < result[j].Key
	})
	return result, nil
}

// DeleteTasks removes all entries for a run.
func (m *Store) DeleteTasks(_ context.Context, runID id.RunID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.tasks, runID.String())
	delete(m.steps, runID.String())
	return nil
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

func copyRun(r *run.Run) *run.Run {
	cp := *r
	cp.Payload = cloneBytes(r.Payload)
	cp.Output = cloneBytes(r.Output)
	cp.EventTimestamp = cloneTime(r.EventTimestamp)
	cp.WakeAt = cloneTime(r.WakeAt)
	cp.LeaseUntil = cloneTime(r.LeaseUntil)
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	return &cp
}

func copyEntry(e *cache.Entry) *cache.Entry {
	cp := *e
	cp.Result = cloneBytes(e.Result)
	return &cp
}

func cloneBytes[T ~[]byte](b T) T {
	if b == nil {
		return nil
	}
	out := make(T, len(b))
	copy(out, b)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
