// Package dispatcher delivers trigger events to every job registered for
// the event's name. Each matching job validates the payload against its own
// schema; a rejection by one job never prevents its siblings from starting.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/durable"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	"github.com/xraph/durable/run"
)

// RunCreator persists a pending run for one (job, event) pair.
// scheduler.Scheduler implements it.
type RunCreator interface {
	Create(ctx context.Context, desc *job.Descriptor, evt event.Event) (run.Handle, error)
}

// Dispatcher fans events out to matching jobs.
type Dispatcher struct {
	registry *job.Registry
	creator  RunCreator
	logger   *slog.Logger
	limit    int
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFanOutLimit bounds how many matching jobs are validated and created
// concurrently for one event. Zero means no limit.
func WithFanOutLimit(n int) Option {
	return func(d *Dispatcher) { d.limit = n }
}

// New creates a Dispatcher.
func New(registry *job.Registry, creator RunCreator, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		creator:  creator,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch validates evt against every job whose trigger name matches and
// creates a run for each job that accepts it. It returns one handle per
// started run, in registration order, and the joined per-job errors:
// *durable.SchemaValidationError for rejected payloads and creation
// failures otherwise. Handles and a non-nil error may both be returned.
//
// An event whose name matches no job fails with durable.ErrUnknownTrigger.
// An empty evt.ID is replaced with a fresh event ID; redelivering the same
// ID never starts a second run for the same job.
func (d *Dispatcher) Dispatch(ctx context.Context, evt event.Event) ([]run.Handle, error) {
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	if evt.ID == "" {
		evt.ID = id.NewEventID().String()
	}

	matches := d.registry.LookupByTrigger(evt.Name)
	if len(matches) == 0 {
		d.logger.Warn("event matches no job",
			slog.String("event_id", evt.ID),
			slog.String("event_name", evt.Name),
		)
		return nil, fmt.Errorf("%w: %q", durable.ErrUnknownTrigger, evt.Name)
	}

	handles := make([]*run.Handle, len(matches))
	errs := make([]error, len(matches))

	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for i, desc := range matches {
		g.Go(func() error {
			h, err := d.deliver(ctx, desc, evt)
			if err != nil {
				errs[i] = err
				return nil
			}
			handles[i] = &h
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // per-job errors are collected in errs

	out := make([]run.Handle, 0, len(matches))
	for _, h := range handles {
		if h != nil {
			out = append(out, *h)
		}
	}

	d.logger.Debug("event dispatched",
		slog.String("event_id", evt.ID),
		slog.String("event_name", evt.Name),
		slog.Int("matched", len(matches)),
		slog.Int("started", len(out)),
	)
	return out, errors.Join(errs...)
}

// deliver validates the payload for one job and creates its run.
func (d *Dispatcher) deliver(ctx context.Context, desc *job.Descriptor, evt event.Event) (run.Handle, error) {
	if desc.Schema != nil {
		if err := desc.Schema.Validate(evt.PayloadOrNull()); err != nil {
			d.logger.Info("payload rejected by job schema",
				slog.String("event_id", evt.ID),
				slog.String("job_id", desc.ID),
				slog.String("error", err.Error()),
			)
			return run.Handle{}, &durable.SchemaValidationError{JobID: desc.ID, Err: err}
		}
	}
	h, err := d.creator.Create(ctx, desc, evt)
	if err != nil {
		return run.Handle{}, fmt.Errorf("job %q: %w", desc.ID, err)
	}
	return h, nil
}
