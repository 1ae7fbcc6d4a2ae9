package durable

import (
	"errors"
	"fmt"
)

var (
	// Store errors.
	ErrNoStore = errors.New("durable: no store configured")

	// Not found errors.
	ErrJobNotFound = errors.New("durable: job not found")
	ErrRunNotFound = errors.New("durable: run not found")

	// Registration and delivery errors.
	ErrDuplicateJobID = errors.New("durable: duplicate job id")
	ErrUnknownTrigger = errors.New("durable: unknown trigger name")
	ErrInvalidEvent   = errors.New("durable: invalid event")

	// Task cache errors.
	ErrDuplicateCacheKey = errors.New("durable: duplicate cache key")
	ErrDuplicateStep     = errors.New("durable: duplicate step sequence")
	ErrInvalidCacheKey   = errors.New("durable: invalid cache key")

	// Run lifecycle errors.
	ErrDuplicateRun            = errors.New("durable: run already exists")
	ErrRunFinished             = errors.New("durable: run already finished")
	ErrLeaseLost               = errors.New("durable: run lease lost")
	ErrSuspended               = errors.New("durable: run suspended")
	ErrCancelled               = errors.New("durable: run cancelled")
	ErrSignalAlreadyDelivered  = errors.New("durable: signal already delivered")
	ErrNonDeterministicReplay  = errors.New("durable: non-deterministic replay")
	ErrTaskAttemptsExhausted   = errors.New("durable: task attempts exhausted")
	ErrSchemaValidationFailure = errors.New("durable: schema validation failed")
)

// SchemaValidationError reports a trigger payload rejected by one job's
// schema. Sibling jobs sharing the trigger are unaffected.
type SchemaValidationError struct {
	JobID string
	Err   error
}

func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("durable: payload rejected by job %q: %v", e.JobID, e.Err)
}

// Unwrap returns the underlying validator error.
func (e *SchemaValidationError) Unwrap() []error {
	return []error{ErrSchemaValidationFailure, e.Err}
}

// TaskExecutionError is the terminal failure of a RunTask callback once
// its retry policy is exhausted. Err is the last callback error.
type TaskExecutionError struct {
	Key      string
	Attempts int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("durable: task %q failed after %d attempts: %v", e.Key, e.Attempts, e.Err)
}

// Unwrap returns the last callback error.
func (e *TaskExecutionError) Unwrap() []error {
	return []error{ErrTaskAttemptsExhausted, e.Err}
}

// NonDeterministicReplayError reports that a resumed handler issued a
// different sequence of primitive calls than the journal recorded. It is
// fatal for the run and never retried.
type NonDeterministicReplayError struct {
	Seq      int
	Key      string
	Expected string
	Reason   string
}

func (e *NonDeterministicReplayError) Error() string {
	if e.Expected != "" {
		return fmt.Sprintf("durable: non-deterministic replay at step %d (key %q, journal has %s): %s",
			e.Seq, e.Key, e.Expected, e.Reason)
	}
	return fmt.Sprintf("durable: non-deterministic replay at step %d (key %q): %s", e.Seq, e.Key, e.Reason)
}

// Unwrap lets errors.Is match ErrNonDeterministicReplay.
func (e *NonDeterministicReplayError) Unwrap() error { return ErrNonDeterministicReplay }
