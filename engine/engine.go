package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/durable"
	"github.com/xraph/durable/backoff"
	"github.com/xraph/durable/cache"
	"github.com/xraph/durable/dispatcher"
	"github.com/xraph/durable/event"
	"github.com/xraph/durable/ext"
	"github.com/xraph/durable/id"
	"github.com/xraph/durable/job"
	mw "github.com/xraph/durable/middleware"
	"github.com/xraph/durable/observability"
	"github.com/xraph/durable/run"
	"github.com/xraph/durable/scheduler"
	"github.com/xraph/durable/worker"
)

// Engine wraps a Runtime with typed subsystem access.
// Use Build() to create one from a Runtime.
type Engine struct {
	rt         *durable.Runtime
	extensions *ext.Registry
	registry   *job.Registry
	runStore   run.Store
	cacheStore cache.Store
	scheduler  *scheduler.Scheduler
	dispatcher *dispatcher.Dispatcher
	pool       *worker.Pool
	bo         backoff.Strategy
	mws        []mw.Middleware
	logger     *slog.Logger

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the engine's chain. Custom middleware
// runs inside the default stack, closest to the handler.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithBackoff sets the task retry backoff strategy for jobs that do not
// declare their own retry policy. If not set,
// backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(eng *Engine) {
		eng.bo = b
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the engine.
// When set, both the metrics middleware and the observability extension
// use this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// Build creates an Engine from an existing Runtime.
// The Runtime's store must implement run.Store and cache.Store.
func Build(rt *durable.Runtime, opts ...Option) (*Engine, error) {
	logger := rt.Logger()
	store := rt.Store()

	if store == nil {
		return nil, durable.ErrNoStore
	}

	rs, ok := store.(run.Store)
	if !ok {
		return nil, fmt.Errorf("durable: store does not implement run.Store")
	}

	cs, ok := store.(cache.Store)
	if !ok {
		return nil, fmt.Errorf("durable: store does not implement cache.Store")
	}

	eng := &Engine{
		rt:         rt,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		runStore:   rs,
		cacheStore: cs,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(eng)
	}

	if eng.bo == nil {
		eng.bo = backoff.DefaultStrategy()
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer("github.com/xraph/durable"))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter("github.com/xraph/durable"))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if eng.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(eng.meterProvider.Meter("github.com/xraph/durable/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	eng.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(eng.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, eng.mws...)

	config := rt.Config()
	eng.scheduler = scheduler.New(eng.registry, rs, cs, eng.extensions, logger,
		scheduler.WithMiddleware(allMws...),
		scheduler.WithRetryPolicy(backoff.Policy{MaxRetries: config.TaskRetries, Strategy: eng.bo}),
	)
	eng.dispatcher = dispatcher.New(eng.registry, eng.scheduler, logger)
	eng.scheduler.SetDispatcher(eng.dispatcher)

	eng.pool = worker.NewPool(rs, eng.scheduler, logger,
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPollInterval(config.PollInterval),
		worker.WithLease(config.LeaseDuration, config.HeartbeatInterval),
	)
	eng.scheduler.SetNotifier(eng.pool.Notify)

	// Wire back into the Runtime.
	rt.SetPool(eng.pool)
	rt.SetExtensions(eng.extensions)

	return eng, nil
}

// Define registers a typed job definition with the engine. Defining the
// same job twice with identical metadata is a no-op.
func Define[T any](eng *Engine, def *job.Definition[T]) error {
	return job.RegisterDefinition(eng.registry, def)
}

// Trigger delivers an event named name with payload JSON-encoded. It
// returns once the runs it starts are durably created.
func Trigger[T any](ctx context.Context, eng *Engine, name string, payload T) ([]run.Handle, error) {
	evt, err := event.New(name, payload)
	if err != nil {
		return nil, err
	}
	return eng.Dispatch(ctx, evt)
}

// Dispatch delivers a pre-built event. See dispatcher.Dispatcher.Dispatch.
func (eng *Engine) Dispatch(ctx context.Context, evt event.Event) ([]run.Handle, error) {
	return eng.dispatcher.Dispatch(ctx, evt)
}

// Signal delivers a signal to a run waiting in WaitForSignal.
func (eng *Engine) Signal(ctx context.Context, runID id.RunID, key string, payload json.RawMessage) error {
	return eng.scheduler.Signal(ctx, runID, key, payload)
}

// Cancel requests cancellation of a run.
func (eng *Engine) Cancel(ctx context.Context, runID id.RunID) error {
	return eng.scheduler.Cancel(ctx, runID)
}

// Run returns a run by ID.
func (eng *Engine) Run(ctx context.Context, runID id.RunID) (*run.Run, error) {
	return eng.scheduler.Get(ctx, runID)
}

// Runs lists runs, newest first.
func (eng *Engine) Runs(ctx context.Context, opts run.ListOpts) ([]*run.Run, error) {
	return eng.scheduler.List(ctx, opts)
}

// Tasks returns a run's journal.
func (eng *Engine) Tasks(ctx context.Context, runID id.RunID) ([]*cache.Entry, error) {
	return eng.scheduler.Tasks(ctx, runID)
}

// Jobs returns all registered job descriptors in registration order.
func (eng *Engine) Jobs() []*job.Descriptor { return eng.registry.Descriptors() }

// Start recovers runs stranded by a previous process and begins run
// processing.
func (eng *Engine) Start(ctx context.Context) error {
	// Recovery is best-effort: expired leases are reclaimed anyway.
	if n, err := eng.scheduler.Recover(ctx); err != nil {
		eng.logger.Warn("failed to recover stranded runs", slog.String("error", err.Error()))
	} else if n > 0 {
		eng.logger.Info("recovered stranded runs", slog.Int("count", n))
	}

	return eng.rt.Start(ctx)
}

// Stop gracefully shuts down the engine.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.rt.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Scheduler returns the run scheduler.
func (eng *Engine) Scheduler() *scheduler.Scheduler { return eng.scheduler }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Runtime returns the underlying Runtime.
func (eng *Engine) Runtime() *durable.Runtime { return eng.rt }
