package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
)

var _ job.IO = (*runIO)(nil)

type haltKind int

const (
	// haltWait suspends until wakeAt, or until a signal when wakeAt is nil.
	haltWait haltKind = iota + 1
	// haltRetry suspends after a failing task callback.
	haltRetry
	// haltNondeterministic fails the run.
	haltNondeterministic
	// haltStore abandons the execution after a store error. The run is
	// reclaimed once its lease expires.
	haltStore
)

// halt records why an execution stopped issuing primitives. Once set, every
// further primitive call returns err without doing anything.
type halt struct {
	kind haltKind
	err  error

	wakeAt    *time.Time
	signalKey string

	taskKey string
	cause   error
}

// runIO is the job.IO handed to a handler for one execution.
type runIO struct {
	ctx   context.Context
	sched *Scheduler
	run   *run.Run
	desc  *job.Descriptor

	// replayTo is the cursor persisted before this execution began.
	replayTo int
	next     int

	journal *cache.Cache

	// seen holds the entries resolved so far in this execution by key.
	seen   map[string]*cache.Entry
	halted *halt
	logger *slog.Logger
}

func newRunIO(ctx context.Context, s *Scheduler, r *run.Run, desc *job.Descriptor) *runIO {
	rio := &runIO{
		ctx:      ctx,
		sched:    s,
		run:      r,
		desc:     desc,
		replayTo: r.Cursor,
		journal:  cache.ForRun(s.tasks, r.ID, cache.WithClock(s.now)),
		seen:     make(map[string]*cache.Entry),
	}
	rio.logger = slog.New(&replayGate{inner: s.logger.Handler(), io: rio}).With(
		slog.String("run_id", r.ID.String()),
		slog.String("job_id", r.JobID),
	)
	return rio
}

func (io *runIO) Context() context.Context { return io.ctx }
func (io *runIO) RunID() id.RunID          { return io.run.ID }
func (io *runIO) JobID() string            { return io.run.JobID }
func (io *runIO) Replaying() bool          { return io.next < io.replayTo }
func (io *runIO) Logger() *slog.Logger     { return io.logger }

// ──────────────────────────────────────────────────
// Primitives
// ──────────────────────────────────────────────────

func (io *runIO) RunTask(key string, fn job.TaskFunc) (json.RawMessage, error) {
	return io.task(key, cache.KindTask, fn)
}

type waitRecord struct {
	Until time.Time `json:"until"`
}

func (io *runIO) Wait(key string, d time.Duration) error {
	if err := io.begin(key); err != nil {
		return err
	}
	if _, ok := io.seen[key]; ok {
		return fmt.Errorf("%w: %q used by more than one wait", durable.ErrDuplicateCacheKey, key)
	}
	seq := io.advance()

	e, err := io.lookup(seq, key, cache.KindWait)
	if err != nil {
		return err
	}
	var rec waitRecord
	if e == nil {
		rec.Until = io.sched.now().UTC().Add(d)
		if e, err = io.record(seq, key, cache.KindWait, rec); err != nil {
			return err
		}
	}
	if err := json.Unmarshal(e.Result, &rec); err != nil {
		return fmt.Errorf("decode wait %q: %w", key, err)
	}

	if !io.sched.now().Before(rec.Until) {
		return nil
	}
	until := rec.Until
	return io.halt(&halt{
		kind:   haltWait,
		err:    fmt.Errorf("wait %q until %s: %w", key, until.Format(time.RFC3339), durable.ErrSuspended),
		wakeAt: &until,
	})
}

type signalWaitRecord struct {
	Until *time.Time `json:"until,omitempty"`
}

type signalResult struct {
	Received bool            `json:"received"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (io *runIO) WaitForSignal(key string, timeout time.Duration) (json.RawMessage, bool, error) {
	if err := io.begin(key); err != nil {
		return nil, false, err
	}
	if _, ok := io.seen[key]; ok {
		return nil, false, fmt.Errorf("%w: %q used by more than one wait", durable.ErrDuplicateCacheKey, key)
	}
	seq := io.advance()

	e, err := io.lookup(seq, key, cache.KindSignalWait)
	if err != nil {
		return nil, false, err
	}
	var rec signalWaitRecord
	if e == nil {
		if timeout > 0 {
			until := io.sched.now().UTC().Add(timeout)
			rec.Until = &until
		}
		if e, err = io.record(seq, key, cache.KindSignalWait, rec); err != nil {
			return nil, false, err
		}
	}
	if err := json.Unmarshal(e.Result, &rec); err != nil {
		return nil, false, fmt.Errorf("decode signal wait %q: %w", key, err)
	}

	resultKey := cache.SignalResultKey(key)
	resSeq := io.advance()
	res, err := io.lookup(resSeq, resultKey, cache.KindSignalResult)
	if err != nil {
		return nil, false, err
	}
	if res == nil {
		signal, getErr := io.sched.tasks.GetTask(io.storeCtx(), io.run.ID, cache.SignalKey(key))
		if getErr != nil {
			return nil, false, io.storeFailure(getErr)
		}
		var out signalResult
		switch {
		case signal != nil:
			out = signalResult{Received: true, Payload: signal.Result}
		case rec.Until != nil && !io.sched.now().Before(*rec.Until):
			out = signalResult{Received: false}
		default:
			// Give the slot back so the resolution lands on it next time.
			io.next--
			return nil, false, io.halt(&halt{
				kind:      haltWait,
				err:       fmt.Errorf("wait for signal %q: %w", key, durable.ErrSuspended),
				wakeAt:    rec.Until,
				signalKey: key,
			})
		}
		if res, err = io.record(resSeq, resultKey, cache.KindSignalResult, out); err != nil {
			return nil, false, err
		}
	}

	var out signalResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		return nil, false, fmt.Errorf("decode signal result %q: %w", key, err)
	}
	return out.Payload, out.Received, nil
}

func (io *runIO) TriggerJob(key string, evt event.Event) ([]id.RunID, error) {
	raw, err := io.task(key, cache.KindTrigger, func(ctx context.Context) (any, error) {
		if io.sched.dispatcher == nil {
			return nil, errors.New("scheduler: no dispatcher configured")
		}
		if evt.ID == "" {
			evt.ID = io.run.ID.String() + ":" + key
		}
		handles, dispatchErr := io.sched.dispatcher.Dispatch(ctx, evt)
		if len(handles) == 0 && dispatchErr != nil {
			return nil, dispatchErr
		}
		if dispatchErr != nil {
			io.sched.logger.Warn("trigger partially dispatched",
				slog.String("run_id", io.run.ID.String()),
				slog.String("cache_key", key),
				slog.String("event_name", evt.Name),
				slog.String("error", dispatchErr.Error()),
			)
		}
		ids := make([]id.RunID, len(handles))
		for i, h := range handles {
			ids[i] = h.RunID
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	var ids []id.RunID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("decode trigger %q: %w", key, err)
	}
	return ids, nil
}

// ──────────────────────────────────────────────────
// Journal helpers
// ──────────────────────────────────────────────────

// task returns the recorded result for key or runs fn and records it.
func (io *runIO) task(key string, kind cache.Kind, fn job.TaskFunc) (json.RawMessage, error) {
	if err := io.begin(key); err != nil {
		return nil, err
	}
	if e, err := io.repeated(key, kind); err != nil || e != nil {
		if err != nil {
			return nil, err
		}
		return e.Result, nil
	}
	seq := io.advance()

	e, err := io.lookup(seq, key, kind)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e.Result, nil
	}

	start := time.Now()
	v, fnErr := fn(io.ctx)
	if fnErr != nil && io.ctx.Err() != nil {
		// The execution itself was cut short. Execute classifies the
		// context error as a timeout or a release, never as a retry.
		return nil, fmt.Errorf("task %q interrupted: %w", key, io.ctx.Err())
	}
	if fnErr != nil {
		return nil, io.halt(&halt{
			kind:    haltRetry,
			err:     fmt.Errorf("task %q failed: %v: %w", key, fnErr, durable.ErrSuspended),
			taskKey: key,
			cause:   fnErr,
		})
	}

	if e, err = io.record(seq, key, kind, v); err != nil {
		return nil, err
	}
	io.run.Attempt = 0
	io.sched.extensions.EmitTaskCompleted(io.ctx, io.run, key, time.Since(start))
	return e.Result, nil
}

// begin validates a primitive call before it is assigned a sequence number.
func (io *runIO) begin(key string) error {
	if io.halted != nil {
		return io.halted.err
	}
	if key == "" || cache.IsReserved(key) {
		return fmt.Errorf("%w: %q", durable.ErrInvalidCacheKey, key)
	}
	return nil
}

// repeated returns the entry already resolved for key in this execution.
// Reusing a key is only allowed for the same kind of call.
func (io *runIO) repeated(key string, kind cache.Kind) (*cache.Entry, error) {
	e, ok := io.seen[key]
	if !ok {
		return nil, nil //nolint:nilnil // first use of key
	}
	if e.Kind != kind {
		return nil, fmt.Errorf("%w: %q already used by a %s call", durable.ErrDuplicateCacheKey, key, e.Kind)
	}
	return e, nil
}

func (io *runIO) advance() int {
	seq := io.next
	io.next++
	return seq
}

// lookup returns the journal entry for key, or nil when the call has not
// been recorded yet.
func (io *runIO) lookup(seq int, key string, kind cache.Kind) (*cache.Entry, error) {
	e, err := io.sched.tasks.GetTask(io.storeCtx(), io.run.ID, key)
	if err != nil {
		return nil, io.storeFailure(err)
	}
	if e == nil {
		if seq < io.replayTo {
			return nil, io.nondeterministic(&durable.NonDeterministicReplayError{
				Seq:    seq,
				Key:    key,
				Reason: fmt.Sprintf("%s call has no journal entry but the run already passed this step", kind),
			})
		}
		return nil, nil //nolint:nilnil // a miss is not an error
	}
	if e.Seq != seq || e.Kind != kind {
		return nil, io.nondeterministic(&durable.NonDeterministicReplayError{
			Seq:      seq,
			Key:      key,
			Expected: fmt.Sprintf("%s at step %d", e.Kind, e.Seq),
			Reason:   fmt.Sprintf("handler issued %s", kind),
		})
	}
	io.advanceCursor(seq)
	io.seen[key] = e
	return e, nil
}

// record writes a new journal entry. A concurrent writer that recorded the
// same call first wins and its entry is returned.
func (io *runIO) record(seq int, key string, kind cache.Kind, v any) (*cache.Entry, error) {
	raw, err := cache.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("encode result of %q: %w", key, err)
	}
	e, err := io.journal.Put(io.storeCtx(), key, seq, kind, raw)
	switch {
	case err == nil:
	case errors.Is(err, durable.ErrDuplicateCacheKey):
		existing, getErr := io.sched.tasks.GetTask(io.storeCtx(), io.run.ID, key)
		if getErr != nil || existing == nil {
			return nil, io.storeFailure(errors.Join(err, getErr))
		}
		if existing.Seq != seq || existing.Kind != kind {
			return nil, io.nondeterministic(&durable.NonDeterministicReplayError{
				Seq:      seq,
				Key:      key,
				Expected: fmt.Sprintf("%s at step %d", existing.Kind, existing.Seq),
				Reason:   "key already recorded at another step",
			})
		}
		e = existing
	case errors.Is(err, durable.ErrDuplicateStep):
		return nil, io.nondeterministic(&durable.NonDeterministicReplayError{
			Seq:    seq,
			Key:    key,
			Reason: "step already recorded under another key",
		})
	default:
		return nil, io.storeFailure(err)
	}
	io.advanceCursor(seq)
	io.seen[key] = e
	return e, nil
}

func (io *runIO) advanceCursor(seq int) {
	if seq+1 > io.run.Cursor {
		io.run.Cursor = seq + 1
	}
}

func (io *runIO) halt(h *halt) error {
	io.halted = h
	return h.err
}

func (io *runIO) nondeterministic(err *durable.NonDeterministicReplayError) error {
	return io.halt(&halt{kind: haltNondeterministic, err: err, cause: err})
}

func (io *runIO) storeFailure(err error) error {
	return io.halt(&halt{kind: haltStore, err: fmt.Errorf("task cache: %w", err), cause: err})
}

// storeCtx keeps journal writes alive when the execution context is
// cancelled mid-call.
func (io *runIO) storeCtx() context.Context {
	return context.WithoutCancel(io.ctx)
}

// ──────────────────────────────────────────────────
// Replay-aware logging
// ──────────────────────────────────────────────────

// replayGate drops records while the handler is replaying journaled steps.
type replayGate struct {
	inner slog.Handler
	io    *runIO
}

func (g *replayGate) Enabled(ctx context.Context, level slog.Level) bool {
	return !g.io.Replaying() && g.inner.Enabled(ctx, level)
}

func (g *replayGate) Handle(ctx context.Context, rec slog.Record) error {
	if g.io.Replaying() {
		return nil
	}
	return g.inner.Handle(ctx, rec)
}

func (g *replayGate) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &replayGate{inner: g.inner.WithAttrs(attrs), io: g.io}
}

func (g *replayGate) WithGroup(name string) slog.Handler {
	return &replayGate{inner: g.inner.WithGroup(name), io: g.io}
}
