package job

import (
	"time"

	"github.com/xraph/durable/backoff"
)

// Options configures per-job behavior.
type Options struct {
	// Name is the human-readable name. Defaults to the job ID.
	Name string

	// Version is recorded on each run. It does not affect routing.
	Version string

	// Schema validates trigger payloads. Nil accepts any JSON payload.
	Schema Schema

	// Retry is the policy for failing tasks. The zero value defers to the
	// runtime default.
	Retry backoff.Policy

	// Timeout bounds a single execution of the handler (one replay), not
	// the lifetime of the run. Zero means unlimited.
	Timeout time.Duration
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		Version: "1",
		Timeout: 5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithName sets the human-readable job name.
func WithName(name string) Option {
	return func(o *Options) { o.Name = name }
}

// WithVersion sets the job version.
func WithVersion(v string) Option {
	return func(o *Options) { o.Version = v }
}

// WithSchema sets the trigger payload schema.
func WithSchema(s Schema) Option {
	return func(o *Options) { o.Schema = s }
}

// WithRetry sets the task retry policy. A nil strategy uses
// backoff.DefaultStrategy.
func WithRetry(maxRetries int, strategy backoff.Strategy) Option {
	return func(o *Options) {
		if strategy == nil {
			strategy = backoff.DefaultStrategy()
		}
		o.Retry = backoff.Policy{MaxRetries: maxRetries, Strategy: strategy}
	}
}

// WithTimeout sets the maximum duration of one handler execution.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}
