// Package run defines the run entity, its state machine, and the store
// interface used by the scheduler and worker pool.
//
//	pending → running → {waiting ↔ running} → {completed | failed}
//
// A waiting run holds no goroutine. It is a persisted row with a WakeAt
// time; the worker pool claims it again once WakeAt has passed, a signal
// wakes it, or a cancellation is requested.
package run

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/xraph/durable"
	"github.com/xraph/durable/id"
)

// State represents the lifecycle state of a run.
type State string

const (
	// StatePending means the run is created and waiting for a worker.
	StatePending State = "pending"
	// StateRunning means a worker holds the run's lease and is executing it.
	StateRunning State = "running"
	// StateWaiting means the run is suspended until WakeAt or a signal.
	StateWaiting State = "waiting"
	// StateCompleted means the handler returned successfully.
	StateCompleted State = "completed"
	// StateFailed means the run ended with an error.
	StateFailed State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted || s == StateFailed }

// FailureKind classifies why a run failed.
type FailureKind string

const (
	FailureHandler          FailureKind = "handler"
	FailureTaskExhausted    FailureKind = "task_exhausted"
	FailureNonDeterministic FailureKind = "nondeterministic"
	FailureCancelled        FailureKind = "cancelled"
	FailureUnknownJob       FailureKind = "unknown_job"
	FailureTimeout          FailureKind = "timeout"
)

// Run is one execution of a job for one trigger event.
type Run struct {
	durable.Entity

	ID         id.RunID `json:"id"`
	JobID      string   `json:"job_id"`
	JobVersion string   `json:"job_version"`

	EventID        string          `json:"event_id"`
	EventName      string          `json:"event_name"`
	EventTimestamp *time.Time      `json:"event_timestamp,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	DedupKey       string          `json:"dedup_key"`

	State State `json:"state"`

	// Cursor is the next journal sequence number: every step below it has
	// a recorded entry.
	Cursor int `json:"cursor"`

	// Attempt counts consecutive failures of the task at Cursor. It is
	// reset when that task finally records a result.
	Attempt int `json:"attempt"`

	// WakeAt is when a pending or waiting run becomes due. Nil on a
	// waiting run means it only wakes on a signal or cancellation.
	WakeAt *time.Time `json:"wake_at,omitempty"`

	LeaseOwner id.WorkerID `json:"lease_owner,omitempty"`
	LeaseUntil *time.Time  `json:"lease_until,omitempty"`

	// CancelRequested is only ever set through Store.RequestCancel.
	CancelRequested bool `json:"cancel_requested"`

	Timeout time.Duration `json:"timeout,omitempty"`

	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailureKind FailureKind     `json:"failure_kind,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Handle is returned to the caller for each run an event started.
type Handle struct {
	RunID id.RunID `json:"run_id"`
	JobID string   `json:"job_id"`

	// Existing is true when the event had already been delivered to the
	// job and the earlier run was returned instead of a new one.
	Existing bool `json:"existing,omitempty"`
}

// dedupNamespace scopes the name-based UUIDs used as dedup keys.
var dedupNamespace = uuid.MustParse("6f1c2d6e-4b8a-4f43-9b8e-3d0f5a7c2e91")

// DedupKey derives the deduplication key of a (event, job) delivery.
func DedupKey(eventID, jobID string) string {
	return uuid.NewSHA1(dedupNamespace, []byte(eventID+"\x00"+jobID)).String()
}
