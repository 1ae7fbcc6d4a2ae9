package durable

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Runtime.
type Option func(*Runtime) error

// Storer is the minimal store interface held by the Runtime.
// It covers lifecycle operations only. Backends satisfy store.Store,
// which embeds the run and cache stores used by the engine.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Runtime holds configuration, the store and the worker pool lifecycle.
//
// Create one with New() and functional options, then hand it to
// engine.Build, which wires the registry, scheduler, dispatcher and pool.
type Runtime struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	started bool
}

// New creates a new Runtime with the given options.
func New(opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(rt); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// Logger returns the runtime's logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// Store returns the runtime's store.
func (rt *Runtime) Store() Storer { return rt.store }

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config { return rt.config }

// SetPool sets the worker pool (called by the engine package).
func (rt *Runtime) SetPool(p poolRunner) { rt.pool = p }

// SetExtensions sets the extension emitter (called by the engine package).
func (rt *Runtime) SetExtensions(e extensionEmitter) { rt.extensions = e }

// Start begins run processing.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.pool == nil {
		return ErrNoStore
	}
	if err := rt.pool.Start(ctx); err != nil {
		return err
	}
	rt.started = true
	return nil
}

// Stop drains the worker pool, notifies extensions and closes the store.
func (rt *Runtime) Stop(ctx context.Context) error {
	if rt.pool != nil && rt.started {
		if err := rt.pool.Stop(ctx); err != nil {
			rt.logger.Error("pool stop error", slog.String("error", err.Error()))
		}
		rt.started = false
	}
	if rt.extensions != nil {
		rt.extensions.EmitShutdown(ctx)
	}
	if rt.store != nil {
		return rt.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrently executing runs.
func WithConcurrency(n int) Option {
	return func(rt *Runtime) error {
		rt.config.Concurrency = n
		return nil
	}
}

// WithPollInterval sets how often idle workers look for due runs.
func WithPollInterval(d time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.PollInterval = d
		return nil
	}
}

// WithLease sets the run lease duration and the heartbeat interval used
// to renew it.
func WithLease(lease, heartbeat time.Duration) Option {
	return func(rt *Runtime) error {
		rt.config.LeaseDuration = lease
		rt.config.HeartbeatInterval = heartbeat
		return nil
	}
}

// WithTaskRetries sets the default retry count for failing tasks.
func WithTaskRetries(n int) Option {
	return func(rt *Runtime) error {
		rt.config.TaskRetries = n
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(rt *Runtime) error {
		rt.config = cfg
		return nil
	}
}

// WithLogger sets the structured logger for the runtime.
func WithLogger(l *slog.Logger) Option {
	return func(rt *Runtime) error {
		rt.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the runtime.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(rt *Runtime) error {
		rt.store = s
		return nil
	}
}
