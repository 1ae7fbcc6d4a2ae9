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
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/run"
)

// Execute runs one claimed run until its handler returns or suspends and
// persists the outcome:
//
//   - a pending cancellation fails the run without running handler code
//   - a suspension persists the run as waiting with its WakeAt
//   - a failing task is retried per the job's policy by suspending until
//     the backoff elapses, and fails the run once attempts are exhausted
//   - a diverging replay fails the run with FailureNonDeterministic
//   - a handler error fails the run, a successful return completes it
//
// If ctx is cancelled mid-execution the run is released back to pending so
// another worker resumes it. When the cancellation cause is
// durable.ErrLeaseLost nothing is written: the run already belongs to
// another worker. Every write is conditional on r.LeaseOwner still holding
// the run and fails with durable.ErrLeaseLost otherwise.
func (s *Scheduler) Execute(ctx context.Context, r *run.Run) error {
	if r.State.Terminal() {
		return nil
	}
	owner := r.LeaseOwner
	if r.CancelRequested {
		return s.fail(ctx, r, owner, run.FailureCancelled, durable.ErrCancelled)
	}
	desc, ok := s.registry.Get(r.JobID)
	if !ok {
		return s.fail(ctx, r, owner, run.FailureUnknownJob, fmt.Errorf("%w: %q", durable.ErrJobNotFound, r.JobID))
	}

	if r.StartedAt == nil {
		now := s.now().UTC()
		r.StartedAt = &now
		if err := s.runs.UpdateRun(ctx, r, owner); err != nil {
			return fmt.Errorf("mark run started: %w", err)
		}
		s.extensions.EmitRunStarted(ctx, r)
	}

	var (
		rio    *runIO
		output []byte
	)
	terminal := func(execCtx context.Context) error {
		rio = newRunIO(execCtx, s, r, desc)
		out, err := desc.Handler(rio, r.Payload)
		if rio.halted != nil {
			return rio.halted.err
		}
		output = out
		return err
	}
	err := s.mw(ctx, r, terminal)

	var h *halt
	if rio != nil {
		h = rio.halted
	}

	switch {
	case ctx.Err() != nil && errors.Is(context.Cause(ctx), durable.ErrLeaseLost):
		// Another worker owns the run now; its state is not ours to write.
		return durable.ErrLeaseLost
	case h != nil && h.kind == haltNondeterministic:
		return s.fail(ctx, r, owner, run.FailureNonDeterministic, h.cause)
	case h != nil && h.kind == haltStore:
		s.logger.Error("execution abandoned after store error",
			slog.String("run_id", r.ID.String()),
			slog.String("job_id", r.JobID),
			slog.String("error", h.cause.Error()),
		)
		return h.err
	case ctx.Err() != nil && (err != nil || h != nil):
		return s.releaseRun(ctx, r, owner)
	case h != nil:
		return s.suspend(ctx, r, owner, h)
	case err == nil:
		if rio != nil && rio.next < rio.replayTo {
			return s.fail(ctx, r, owner, run.FailureNonDeterministic, &durable.NonDeterministicReplayError{
				Seq:    rio.next,
				Reason: fmt.Sprintf("handler returned after %d steps but the journal has %d", rio.next, rio.replayTo),
			})
		}
		return s.complete(ctx, r, owner, output)
	case errors.Is(err, context.DeadlineExceeded):
		return s.fail(ctx, r, owner, run.FailureTimeout, err)
	default:
		return s.fail(ctx, r, owner, run.FailureHandler, err)
	}
}

// suspend persists r as waiting.
func (s *Scheduler) suspend(ctx context.Context, r *run.Run, owner id.WorkerID, h *halt) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	wakeAt := h.wakeAt

	if h.kind == haltRetry {
		r.Attempt++
		desc, _ := s.registry.Get(r.JobID)
		delay, retry := s.retryPolicy(desc).Retry(r.Attempt)
		if !retry {
			return s.fail(ctx, r, owner, run.FailureTaskExhausted, &durable.TaskExecutionError{
				Key:      h.taskKey,
				Attempts: r.Attempt,
				Err:      h.cause,
			})
		}
		next := now.Add(delay)
		wakeAt = &next
		s.extensions.EmitTaskRetrying(ctx, r, h.taskKey, r.Attempt, next, h.cause)
		s.logger.Info("task scheduled for retry",
			slog.String("run_id", r.ID.String()),
			slog.String("job_id", r.JobID),
			slog.String("cache_key", h.taskKey),
			slog.Int("attempt", r.Attempt),
			slog.Duration("delay", delay),
			slog.String("error", h.cause.Error()),
		)
	}

	r.State = run.StateWaiting
	r.WakeAt = wakeAt
	r.LeaseOwner = id.Nil
	r.LeaseUntil = nil
	if err := s.runs.UpdateRun(ctx, r, owner); err != nil {
		return fmt.Errorf("persist waiting run: %w", err)
	}

	// A signal delivered between the handler's check and the update above
	// found the run still running and did not wake it.
	if h.signalKey != "" {
		signal, err := s.tasks.GetTask(ctx, r.ID, cache.SignalKey(h.signalKey))
		if err == nil && signal != nil {
			if wakeErr := s.runs.WakeRun(ctx, r.ID); wakeErr != nil {
				return wakeErr
			}
			s.notify()
		}
	}

	s.extensions.EmitRunWaiting(ctx, r)
	return nil
}

// complete persists r as completed with output.
func (s *Scheduler) complete(ctx context.Context, r *run.Run, owner id.WorkerID, output []byte) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	r.State = run.StateCompleted
	r.Output = json.RawMessage(output)
	r.CompletedAt = &now
	r.WakeAt = nil
	r.LeaseOwner = id.Nil
	r.LeaseUntil = nil
	if err := s.runs.UpdateRun(ctx, r, owner); err != nil {
		s.logger.Error("failed to update run after success",
			slog.String("run_id", r.ID.String()),
			slog.String("job_id", r.JobID),
			slog.String("error", err.Error()),
		)
		return err
	}

	var elapsed time.Duration
	if r.StartedAt != nil {
		elapsed = now.Sub(*r.StartedAt)
	}
	s.extensions.EmitRunCompleted(ctx, r, elapsed)
	return nil
}

// fail persists r as failed. It returns runErr unless the update fails.
func (s *Scheduler) fail(ctx context.Context, r *run.Run, owner id.WorkerID, kind run.FailureKind, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()
	r.State = run.StateFailed
	r.FailureKind = kind
	r.Error = runErr.Error()
	r.CompletedAt = &now
	r.WakeAt = nil
	r.LeaseOwner = id.Nil
	r.LeaseUntil = nil
	if err := s.runs.UpdateRun(ctx, r, owner); err != nil {
		s.logger.Error("failed to update run as failed",
			slog.String("run_id", r.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	attrs := []any{
		slog.String("run_id", r.ID.String()),
		slog.String("job_id", r.JobID),
		slog.String("job_version", r.JobVersion),
		slog.String("failure_kind", string(kind)),
		slog.String("error", runErr.Error()),
	}
	switch kind {
	case run.FailureNonDeterministic, run.FailureUnknownJob:
		s.logger.Error("run failed", attrs...)
	case run.FailureCancelled:
		s.logger.Info("run cancelled", attrs...)
	default:
		s.logger.Warn("run failed", attrs...)
	}

	s.extensions.EmitRunFailed(ctx, r, runErr)
	return runErr
}

// releaseRun hands an interrupted execution back to the pending state.
func (s *Scheduler) releaseRun(ctx context.Context, r *run.Run, owner id.WorkerID) error {
	release(r, s.now().UTC())
	if err := s.runs.UpdateRun(context.WithoutCancel(ctx), r, owner); err != nil {
		return fmt.Errorf("release interrupted run: %w", err)
	}
	s.logger.Info("run released after interruption",
		slog.String("run_id", r.ID.String()),
		slog.String("job_id", r.JobID),
	)
	return ctx.Err()
}
