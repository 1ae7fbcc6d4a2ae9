// Package storetest is a conformance suite for store.Store backends.
//
//	func TestConformance(t *testing.T) {
//		storetest.Run(t, func(t *testing.T) store.Store { return newStore(t) })
//	}
//
// The factory must return an empty, migrated store. Each subtest gets its
// own store.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/store"
)

// Factory returns a fresh store for one subtest.
type Factory func(t *testing.T) store.Store

// Run runs every conformance check against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateDedupKey", testDuplicateDedupKey},
		{"UpdatePreservesCancelFlag", testUpdatePreservesCancelFlag},
		{"UpdateRequiresLeaseOwner", testUpdateRequiresLeaseOwner},
		{"ReleaseExpired", testReleaseExpired},
		{"RequestCancel", testRequestCancel},
		{"ListRuns", testListRuns},
		{"ClaimDueRuns", testClaimDueRuns},
		{"ClaimCancelledRun", testClaimCancelledRun},
		{"ClaimExclusive", testClaimExclusive},
		{"ExtendLease", testExtendLease},
		{"WakeRun", testWakeRun},
		{"PutTaskInsertIfAbsent", testPutTaskInsertIfAbsent},
		{"SignalEntriesOutsideJournal", testSignalEntries},
		{"DeleteTasks", testDeleteTasks},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

// NewRun returns a due run for jobID in the given state.
func NewRun(jobID string, state run.State) *run.Run {
	wake := time.Now().UTC().Add(-time.Minute)
	eventID := id.NewEventID().String()
	return &run.Run{
		Entity:    durable.NewEntity(),
		ID:        id.NewRunID(),
		JobID:     jobID,
		EventID:   eventID,
		EventName: "test.event",
		Payload:   []byte(`{"n":1}`),
		State:     state,
		WakeAt:    &wake,
		Timeout:   time.Minute,
		DedupKey:  run.DedupKey(eventID, jobID),
	}
}

func mustCreate(t *testing.T, s store.Store, r *run.Run) {
	t.Helper()
	if err := s.CreateRun(context.Background(), r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Runs
// ──────────────────────────────────────────────────

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("welcome", run.StatePending)
	mustCreate(t, s, r)

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.JobID != "welcome" || got.State != run.StatePending {
		t.Errorf("got job=%s state=%s", got.JobID, got.State)
	}
	if string(got.Payload) != `{"n":1}` {
		t.Errorf("payload = %s", got.Payload)
	}
	if got.Timeout != time.Minute {
		t.Errorf("timeout = %v, want 1m", got.Timeout)
	}
	if got.WakeAt == nil || got.WakeAt.Sub(*r.WakeAt).Abs() > time.Millisecond {
		t.Errorf("wake_at = %v, want %v", got.WakeAt, r.WakeAt)
	}

	byDedup, err := s.GetRunByDedupKey(ctx, r.DedupKey)
	if err != nil {
		t.Fatalf("GetRunByDedupKey: %v", err)
	}
	if byDedup.ID.String() != r.ID.String() {
		t.Errorf("dedup lookup returned %s, want %s", byDedup.ID, r.ID)
	}

	if _, err := s.GetRun(ctx, id.NewRunID()); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
	if _, err := s.GetRunByDedupKey(ctx, "missing"); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound for dedup key, got %v", err)
	}
}

func testDuplicateDedupKey(t *testing.T, s store.Store) {
	a := NewRun("welcome", run.StatePending)
	b := NewRun("welcome", run.StatePending)
	b.DedupKey = a.DedupKey

	mustCreate(t, s, a)
	if err := s.CreateRun(context.Background(), b); !errors.Is(err, durable.ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
}

func testUpdatePreservesCancelFlag(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("welcome", run.StatePending)
	mustCreate(t, s, r)

	stale, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if err := s.RequestCancel(ctx, r.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	stale.Cursor = 3
	stale.Output = []byte(`"done"`)
	if err := s.UpdateRun(ctx, stale, id.Nil); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if !got.CancelRequested {
		t.Error("UpdateRun cleared a concurrently requested cancellation")
	}
	if got.Cursor != 3 || string(got.Output) != `"done"` {
		t.Errorf("cursor=%d output=%s", got.Cursor, got.Output)
	}

	ghost := NewRun("welcome", run.StatePending)
	if err := s.UpdateRun(ctx, ghost, id.Nil); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func testUpdateRequiresLeaseOwner(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewRun("welcome", run.StatePending))

	a, b := id.NewWorkerID(), id.NewWorkerID()
	claimed, err := s.ClaimRuns(ctx, a, 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimRuns: %d runs, err=%v", len(claimed), err)
	}
	r := claimed[0]

	r.Cursor = 1
	if err := s.UpdateRun(ctx, r, b); !errors.Is(err, durable.ErrLeaseLost) {
		t.Fatalf("update by non-owner: expected ErrLeaseLost, got %v", err)
	}
	if got, _ := s.GetRun(ctx, r.ID); got.Cursor != 0 {
		t.Errorf("non-owner update was applied: cursor = %d", got.Cursor)
	}

	// The owner releases the run, after which its old lease is worthless.
	r.State = run.StatePending
	r.LeaseOwner = id.Nil
	r.LeaseUntil = nil
	if err := s.UpdateRun(ctx, r, a); err != nil {
		t.Fatalf("update by owner: %v", err)
	}
	r.State = run.StateCompleted
	if err := s.UpdateRun(ctx, r, a); !errors.Is(err, durable.ErrLeaseLost) {
		t.Fatalf("update after release: expected ErrLeaseLost, got %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.State != run.StatePending || got.Cursor != 1 {
		t.Errorf("state=%s cursor=%d, want pending at cursor 1", got.State, got.Cursor)
	}

	ghost := NewRun("welcome", run.StateRunning)
	if err := s.UpdateRun(ctx, ghost, a); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func testReleaseExpired(t *testing.T, s store.Store) {
	ctx := context.Background()
	contested := NewRun("welcome", run.StatePending)
	mustCreate(t, s, contested)

	// A's lease has already run out when B takes the run over.
	a, b, c := id.NewWorkerID(), id.NewWorkerID(), id.NewWorkerID()
	stale, err := s.ClaimRuns(ctx, a, 1, -time.Second)
	if err != nil || len(stale) != 1 {
		t.Fatalf("claim by A: %d runs, err=%v", len(stale), err)
	}
	if got, err := s.ClaimRuns(ctx, b, 1, time.Minute); err != nil || len(got) != 1 {
		t.Fatalf("claim by B: %d runs, err=%v", len(got), err)
	}

	released, err := s.ReleaseExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReleaseExpired: %v", err)
	}
	if len(released) != 0 {
		t.Fatalf("released %d runs while B's lease is live", len(released))
	}
	if got, _ := s.ClaimRuns(ctx, c, 1, time.Minute); len(got) != 0 {
		t.Fatalf("C claimed %d runs while B's lease is live", len(got))
	}

	// A finishing late must not overwrite B's lease.
	stale[0].State = run.StateCompleted
	if err := s.UpdateRun(ctx, stale[0], a); !errors.Is(err, durable.ErrLeaseLost) {
		t.Fatalf("stale update: expected ErrLeaseLost, got %v", err)
	}
	if got, _ := s.GetRun(ctx, contested.ID); got.State != run.StateRunning || got.LeaseOwner.String() != b.String() {
		t.Fatalf("state=%s owner=%s, want running under B", got.State, got.LeaseOwner)
	}

	stranded := NewRun("welcome", run.StatePending)
	mustCreate(t, s, stranded)
	if got, err := s.ClaimRuns(ctx, c, 1, -time.Second); err != nil || len(got) != 1 {
		t.Fatalf("claim by C: %d runs, err=%v", len(got), err)
	}

	released, err = s.ReleaseExpired(ctx, time.Now().UTC())
	if err != nil {
		t.Fatalf("ReleaseExpired: %v", err)
	}
	if len(released) != 1 || released[0].String() != stranded.ID.String() {
		t.Fatalf("released = %v, want [%s]", released, stranded.ID)
	}
	got, _ := s.GetRun(ctx, stranded.ID)
	if got.State != run.StatePending || !got.LeaseOwner.IsNil() || got.LeaseUntil != nil || got.WakeAt == nil {
		t.Errorf("stranded run: state=%s owner=%s lease=%v wake=%v", got.State, got.LeaseOwner, got.LeaseUntil, got.WakeAt)
	}
	if got, _ := s.ClaimRuns(ctx, c, 2, time.Minute); len(got) != 1 || got[0].ID.String() != stranded.ID.String() {
		t.Errorf("expected only the released run to be claimable, got %d", len(got))
	}
}

func testRequestCancel(t *testing.T, s store.Store) {
	ctx := context.Background()

	done := NewRun("welcome", run.StateCompleted)
	mustCreate(t, s, done)
	if err := s.RequestCancel(ctx, done.ID); !errors.Is(err, durable.ErrRunFinished) {
		t.Fatalf("expected ErrRunFinished, got %v", err)
	}
	got, _ := s.GetRun(ctx, done.ID)
	if got.CancelRequested {
		t.Error("finished run flagged for cancellation")
	}

	if err := s.RequestCancel(ctx, id.NewRunID()); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func testListRuns(t *testing.T, s store.Store) {
	ctx := context.Background()

	var last *run.Run
	for i := range 3 {
		r := NewRun("a", run.StatePending)
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		mustCreate(t, s, r)
		last = r
	}
	mustCreate(t, s, NewRun("b", run.StateCompleted))

	all, err := s.ListRuns(ctx, run.ListOpts{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 4 {
		t.Errorf("all = %d, want 4", len(all))
	}

	byJob, _ := s.ListRuns(ctx, run.ListOpts{JobID: "a"})
	if len(byJob) != 3 {
		t.Fatalf("byJob = %d, want 3", len(byJob))
	}
	if byJob[0].ID.String() != last.ID.String() {
		t.Errorf("first run = %s, want newest %s", byJob[0].ID, last.ID)
	}

	byState, _ := s.ListRuns(ctx, run.ListOpts{State: run.StateCompleted})
	if len(byState) != 1 {
		t.Errorf("byState = %d, want 1", len(byState))
	}
	page, _ := s.ListRuns(ctx, run.ListOpts{Limit: 2, Offset: 1})
	if len(page) != 2 {
		t.Errorf("page = %d, want 2", len(page))
	}
	empty, _ := s.ListRuns(ctx, run.ListOpts{Offset: 10})
	if len(empty) != 0 {
		t.Errorf("offset past end = %d, want 0", len(empty))
	}
}

// ──────────────────────────────────────────────────
// Claims and leases
// ──────────────────────────────────────────────────

func testClaimDueRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := id.NewWorkerID()
	now := time.Now().UTC()

	duePending := NewRun("a", run.StatePending)
	future := NewRun("a", run.StateWaiting)
	later := now.Add(time.Hour)
	future.WakeAt = &later
	dueWaiting := NewRun("a", run.StateWaiting)
	earlier := now.Add(-time.Hour)
	dueWaiting.WakeAt = &earlier
	signalOnly := NewRun("a", run.StateWaiting)
	signalOnly.WakeAt = nil
	finished := NewRun("a", run.StateCompleted)

	for _, r := range []*run.Run{duePending, future, dueWaiting, signalOnly, finished} {
		mustCreate(t, s, r)
	}

	claimed, err := s.ClaimRuns(ctx, owner, 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimRuns: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %d runs, want 2", len(claimed))
	}
	ids := map[string]bool{}
	for _, r := range claimed {
		ids[r.ID.String()] = true
		if r.State != run.StateRunning {
			t.Errorf("claimed run state = %s, want running", r.State)
		}
		if r.LeaseOwner.String() != owner.String() {
			t.Errorf("lease owner = %s, want %s", r.LeaseOwner, owner)
		}
		if r.LeaseUntil == nil || !r.LeaseUntil.After(now) {
			t.Errorf("lease until = %v, want after %v", r.LeaseUntil, now)
		}
	}
	if !ids[duePending.ID.String()] || !ids[dueWaiting.ID.String()] {
		t.Errorf("claimed the wrong runs: %v", ids)
	}

	again, _ := s.ClaimRuns(ctx, id.NewWorkerID(), 10, time.Minute)
	if len(again) != 0 {
		t.Errorf("re-claim returned %d leased runs", len(again))
	}
}

func testClaimCancelledRun(t *testing.T, s store.Store) {
	ctx := context.Background()

	sleeping := NewRun("a", run.StateWaiting)
	later := time.Now().UTC().Add(time.Hour)
	sleeping.WakeAt = &later
	mustCreate(t, s, sleeping)

	if got, _ := s.ClaimRuns(ctx, id.NewWorkerID(), 10, time.Minute); len(got) != 0 {
		t.Fatalf("sleeping run claimed before its wake time")
	}
	if err := s.RequestCancel(ctx, sleeping.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}
	claimed, err := s.ClaimRuns(ctx, id.NewWorkerID(), 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimRuns: %v", err)
	}
	if len(claimed) != 1 || !claimed[0].CancelRequested {
		t.Fatalf("expected the cancelled run to be claimable, got %d", len(claimed))
	}
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	const n = 30
	for range n {
		mustCreate(t, s, NewRun("a", run.StatePending))
	}

	var (
		wg    sync.WaitGroup
		total atomic.Int64
		dupes atomic.Int64
		seen  sync.Map
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner := id.NewWorkerID()
			for {
				claimed, err := s.ClaimRuns(ctx, owner, 3, time.Minute)
				if err != nil || len(claimed) == 0 {
					return
				}
				for _, r := range claimed {
					if _, loaded := seen.LoadOrStore(r.ID.String(), true); loaded {
						dupes.Add(1)
					}
					total.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if dupes.Load() != 0 {
		t.Errorf("%d runs were claimed twice", dupes.Load())
	}
	if total.Load() != n {
		t.Errorf("claimed %d runs, want %d", total.Load(), n)
	}
}

func testExtendLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	owner := id.NewWorkerID()

	r := NewRun("a", run.StatePending)
	mustCreate(t, s, r)
	if claimed, _ := s.ClaimRuns(ctx, owner, 1, time.Second); len(claimed) != 1 {
		t.Fatalf("claimed %d runs, want 1", len(claimed))
	}

	if err := s.ExtendLease(ctx, r.ID, owner, time.Minute); err != nil {
		t.Fatalf("ExtendLease: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.LeaseUntil == nil || time.Until(*got.LeaseUntil) < 30*time.Second {
		t.Errorf("lease until = %v, want about a minute from now", got.LeaseUntil)
	}

	if err := s.ExtendLease(ctx, r.ID, id.NewWorkerID(), time.Minute); !errors.Is(err, durable.ErrLeaseLost) {
		t.Errorf("expected ErrLeaseLost for foreign owner, got %v", err)
	}
	if err := s.ExtendLease(ctx, id.NewRunID(), owner, time.Minute); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func testWakeRun(t *testing.T, s store.Store) {
	ctx := context.Background()

	w := NewRun("a", run.StateWaiting)
	w.WakeAt = nil
	mustCreate(t, s, w)

	if err := s.WakeRun(ctx, w.ID); err != nil {
		t.Fatalf("WakeRun: %v", err)
	}
	got, _ := s.GetRun(ctx, w.ID)
	if got.WakeAt == nil {
		t.Fatal("WakeAt not set")
	}
	claimed, _ := s.ClaimRuns(ctx, id.NewWorkerID(), 10, time.Minute)
	if len(claimed) != 1 {
		t.Errorf("woken run not claimable, claimed %d", len(claimed))
	}

	c := NewRun("a", run.StateCompleted)
	c.WakeAt = nil
	mustCreate(t, s, c)
	if err := s.WakeRun(ctx, c.ID); err != nil {
		t.Fatalf("WakeRun on completed run: %v", err)
	}
	got, _ = s.GetRun(ctx, c.ID)
	if got.WakeAt != nil {
		t.Error("WakeRun touched a completed run")
	}

	if err := s.WakeRun(ctx, id.NewRunID()); !errors.Is(err, durable.ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

// ──────────────────────────────────────────────────
// Task cache
// ──────────────────────────────────────────────────

func entry(runID id.RunID, key string, seq int) *cache.Entry {
	return &cache.Entry{
		RunID:       runID,
		Key:         key,
		Seq:         seq,
		Kind:        cache.KindTask,
		Result:      []byte(`"` + key + `"`),
		CompletedAt: time.Now().UTC(),
	}
}

func testPutTaskInsertIfAbsent(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("a", run.StateRunning)
	other := NewRun("a", run.StateRunning)
	mustCreate(t, s, r)
	mustCreate(t, s, other)

	if err := s.PutTask(ctx, entry(r.ID, "charge", 0)); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	dup := entry(r.ID, "charge", 1)
	dup.Result = []byte(`"other"`)
	if err := s.PutTask(ctx, dup); !errors.Is(err, durable.ErrDuplicateCacheKey) {
		t.Fatalf("expected ErrDuplicateCacheKey, got %v", err)
	}
	if err := s.PutTask(ctx, entry(r.ID, "refund", 0)); !errors.Is(err, durable.ErrDuplicateStep) {
		t.Fatalf("expected ErrDuplicateStep, got %v", err)
	}

	got, err := s.GetTask(ctx, r.ID, "charge")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || string(got.Result) != `"charge"` || got.Seq != 0 || got.Kind != cache.KindTask {
		t.Errorf("stored entry = %+v", got)
	}
	if missing, err := s.GetTask(ctx, r.ID, "refund"); err != nil || missing != nil {
		t.Errorf("rejected entry lookup = %+v, %v", missing, err)
	}

	// Keys and slots are scoped per run.
	if err := s.PutTask(ctx, entry(other.ID, "charge", 0)); err != nil {
		t.Errorf("PutTask on another run: %v", err)
	}
}

func testSignalEntries(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("a", run.StateWaiting)
	mustCreate(t, s, r)

	if err := s.PutTask(ctx, entry(r.ID, "step", 0)); err != nil {
		t.Fatalf("PutTask: %v", err)
	}
	for _, key := range []string{"approved", "shipped"} {
		sig := entry(r.ID, cache.SignalKey(key), cache.SignalSeq)
		sig.Kind = cache.KindSignal
		if err := s.PutTask(ctx, sig); err != nil {
			t.Fatalf("PutTask signal %s: %v", key, err)
		}
	}
	again := entry(r.ID, cache.SignalKey("approved"), cache.SignalSeq)
	again.Kind = cache.KindSignal
	if err := s.PutTask(ctx, again); !errors.Is(err, durable.ErrDuplicateCacheKey) {
		t.Errorf("expected ErrDuplicateCacheKey for a second signal, got %v", err)
	}

	entries, err := s.ListTasks(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].Journaled() || entries[1].Journaled() || !entries[2].Journaled() {
		t.Errorf("signal entries must sort before the journal: %+v", entries)
	}
}

func testDeleteTasks(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := NewRun("a", run.StateRunning)
	mustCreate(t, s, r)

	for i, key := range []string{"a", "b", "c"} {
		if err := s.PutTask(ctx, entry(r.ID, key, i)); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
	}
	if err := s.DeleteTasks(ctx, r.ID); err != nil {
		t.Fatalf("DeleteTasks: %v", err)
	}
	entries, _ := s.ListTasks(ctx, r.ID)
	if len(entries) != 0 {
		t.Errorf("entries after delete = %d, want 0", len(entries))
	}
}
