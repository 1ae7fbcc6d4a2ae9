package durable

import "time"

// Config holds configuration for the Runtime.
type Config struct {
	// Concurrency is the maximum number of runs executed concurrently.
	Concurrency int

	// PollInterval is how often idle workers look for due runs.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration

	// LeaseDuration is how long a claimed run is owned by a worker before
	// another worker may reclaim it. Executing runs renew their lease every
	// HeartbeatInterval.
	LeaseDuration time.Duration

	// HeartbeatInterval is how often executing runs extend their lease.
	HeartbeatInterval time.Duration

	// TaskRetries is the default number of retries for a failing RunTask
	// callback when the job definition does not set its own policy.
	TaskRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LeaseDuration:     30 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		TaskRetries:       3,
	}
}
