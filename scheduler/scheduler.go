package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/middleware"
	"github.com/xraph/durable/run"
)

// Dispatcher delivers events produced by TriggerJob.
type Dispatcher interface {
	Dispatch(ctx context.Context, evt event.Event) ([]run.Handle, error)
}

// Scheduler owns the run state machine.
type Scheduler struct {
	registry   *job.Registry
	runs       run.Store
	tasks      cache.Store
	extensions *ext.Registry
	dispatcher Dispatcher
	mw         middleware.Middleware
	retry      backoff.Policy
	notify     func()
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMiddleware sets the middleware chain wrapped around every execution.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(s *Scheduler) { s.mw = middleware.Chain(mws...) }
}

// WithRetryPolicy sets the task retry policy used by jobs that do not
// declare their own.
func WithRetryPolicy(p backoff.Policy) Option {
	return func(s *Scheduler) { s.retry = p }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(
	registry *job.Registry,
	runs run.Store,
	tasks cache.Store,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...Option,
) *Scheduler {
	s := &Scheduler{
		registry:   registry,
		runs:       runs,
		tasks:      tasks,
		extensions: extensions,
		mw:         middleware.Chain(),
		retry:      backoff.DefaultPolicy(),
		notify:     func() {},
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetDispatcher sets the dispatcher used by TriggerJob. The dispatcher
// itself depends on the scheduler, so it is wired after construction.
func (s *Scheduler) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// SetNotifier sets a function called whenever a run becomes due
// immediately, typically worker.Pool.Notify.
func (s *Scheduler) SetNotifier(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	s.notify = fn
}

// Create persists a pending run of desc for evt. If the event was already
// delivered to this job, the existing run is returned with
// Handle.Existing set and nothing is written.
func (s *Scheduler) Create(ctx context.Context, desc *job.Descriptor, evt event.Event) (run.Handle, error) {
	if evt.ID == "" {
		evt.ID = id.NewEventID().String()
	}
	now := s.now().UTC()
	r := &run.Run{
		Entity:         durable.Entity{CreatedAt: now, UpdatedAt: now},
		ID:             id.NewRunID(),
		JobID:          desc.ID,
		JobVersion:     desc.Version,
		EventID:        evt.ID,
		EventName:      evt.Name,
		EventTimestamp: evt.Timestamp,
		Payload:        evt.PayloadOrNull(),
		DedupKey:       run.DedupKey(evt.ID, desc.ID),
		State:          run.StatePending,
		WakeAt:         &now,
		Timeout:        desc.Timeout,
	}

	if err := s.runs.CreateRun(ctx, r); err != nil {
		if !errors.Is(err, durable.ErrDuplicateRun) {
			return run.Handle{}, fmt.Errorf("create run for job %q: %w", desc.ID, err)
		}
		existing, getErr := s.runs.GetRunByDedupKey(ctx, r.DedupKey)
		if getErr != nil {
			return run.Handle{}, fmt.Errorf("load deduplicated run for job %q: %w", desc.ID, getErr)
		}
		s.logger.Debug("event already delivered to job",
			slog.String("event_id", evt.ID),
			slog.String("job_id", desc.ID),
			slog.String("run_id", existing.ID.String()),
		)
		return run.Handle{RunID: existing.ID, JobID: existing.JobID, Existing: true}, nil
	}

	s.extensions.EmitRunCreated(ctx, r)
	s.logger.Info("run created",
		slog.String("run_id", r.ID.String()),
		slog.String("job_id", r.JobID),
		slog.String("event_id", evt.ID),
		slog.String("event_name", evt.Name),
	)
	s.notify()

	return run.Handle{RunID: r.ID, JobID: r.JobID}, nil
}

// Cancel requests cancellation of a run. A pending or waiting run is
// failed with FailureCancelled the next time it is claimed, without
// running handler code. A running run is failed when it next suspends.
func (s *Scheduler) Cancel(ctx context.Context, runID id.RunID) error {
	if err := s.runs.RequestCancel(ctx, runID); err != nil {
		return err
	}
	s.logger.Info("run cancellation requested", slog.String("run_id", runID.String()))
	s.notify()
	return nil
}

// Signal delivers a signal named key to a run. A run waiting on the
// signal is woken. Each signal can be delivered once per run.
func (s *Scheduler) Signal(ctx context.Context, runID id.RunID, key string, payload json.RawMessage) error {
	if key == "" || cache.IsReserved(key) {
		return fmt.Errorf("%w: %q", durable.ErrInvalidCacheKey, key)
	}
	r, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return durable.ErrRunFinished
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: signal payload is not valid JSON", durable.ErrInvalidEvent)
	}

	err = s.tasks.PutTask(ctx, &cache.Entry{
		RunID:       runID,
		Key:         cache.SignalKey(key),
		Seq:         cache.SignalSeq,
		Kind:        cache.KindSignal,
		Result:      payload,
		CompletedAt: s.now().UTC(),
	})
	if errors.Is(err, durable.ErrDuplicateCacheKey) {
		return durable.ErrSignalAlreadyDelivered
	}
	if err != nil {
		return fmt.Errorf("record signal %q: %w", key, err)
	}

	if err := s.runs.WakeRun(ctx, runID); err != nil {
		return err
	}
	s.logger.Info("signal delivered",
		slog.String("run_id", runID.String()),
		slog.String("signal", key),
	)
	s.notify()
	return nil
}

// Get returns a run by ID.
func (s *Scheduler) Get(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// List returns runs matching opts, newest first.
func (s *Scheduler) List(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	return s.runs.ListRuns(ctx, opts)
}

// Tasks returns a run's journal ordered by sequence number.
func (s *Scheduler) Tasks(ctx context.Context, runID id.RunID) ([]*cache.Entry, error) {
	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return cache.ForRun(s.tasks, runID).Journal(ctx)
}

// Recover returns runs stranded in the running state by a crashed process
// to pending so they are claimed without waiting for a poll to find them.
// Runs whose lease is still live are left alone, and the check and reset
// happen in one store operation so a run claimed concurrently keeps its new
// lease. It returns the number of runs recovered.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	released, err := s.runs.ReleaseExpired(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release stranded runs: %w", err)
	}
	for _, runID := range released {
		s.logger.Info("recovered stranded run", slog.String("run_id", runID.String()))
	}
	if len(released) > 0 {
		s.notify()
	}
	return len(released), nil
}

// release returns r to the pending state, due at now.
func release(r *run.Run, now time.Time) {
	r.State = run.StatePending
	r.LeaseOwner = id.Nil
	r.LeaseUntil = nil
	r.WakeAt = &now
}

// retryPolicy returns the task retry policy for desc.
func (s *Scheduler) retryPolicy(desc *job.Descriptor) backoff.Policy {
	if desc.Retry.IsZero() {
		return s.retry
	}
	return desc.Retry
}
