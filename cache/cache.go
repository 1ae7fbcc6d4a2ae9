// Package cache defines the task cache: the write-once store of memoized
// step results that doubles as a run's replay journal.
//
// Every primitive a handler calls (RunTask, Wait, WaitForSignal,
// TriggerJob) records one or two entries, each carrying the program-order
// sequence number at which it was issued. Entries are unique per
// (run, cache key) and, for journal entries, per (run, sequence number).
// Together these two constraints let the scheduler detect a handler that
// no longer issues the same calls in the same order.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/xraph/durable/id"
)

// Kind identifies which primitive recorded an entry.
type Kind string

const (
	// KindTask is a RunTask result.
	KindTask Kind = "task"
	// KindWait records the deadline of a Wait.
	KindWait Kind = "wait"
	// KindSignalWait records the deadline of a WaitForSignal.
	KindSignalWait Kind = "signal_wait"
	// KindSignalResult records how a WaitForSignal resolved.
	KindSignalResult Kind = "signal_result"
	// KindTrigger records the runs started by TriggerJob.
	KindTrigger Kind = "trigger"
	// KindSignal is an externally delivered signal. It is not part of the
	// journal and carries SignalSeq.
	KindSignal Kind = "signal"
)

// SignalSeq is the sequence number of entries outside the journal.
const SignalSeq = -1

// ReservedPrefix marks cache keys owned by the runtime. Handler keys may
// not start with it.
const ReservedPrefix = "$"

// Entry is one cached task result.
type Entry struct {
	RunID       id.RunID        `json:"run_id"`
	Key         string          `json:"key"`
	Seq         int             `json:"seq"`
	Kind        Kind            `json:"kind"`
	Result      json.RawMessage `json:"result,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Journaled reports whether the entry occupies a journal slot.
func (e *Entry) Journaled() bool { return e.Seq >= 0 }

// Store persists task cache entries.
//
// PutTask is an insert-if-absent: it must fail with
// durable.ErrDuplicateCacheKey when (RunID, Key) exists and with
// durable.ErrDuplicateStep when a journaled entry with the same
// (RunID, Seq) exists, leaving the stored entry untouched. Implementations
// must make the check and the insert atomic.
type Store interface {
	// GetTask returns the entry for (runID, key), or nil when absent.
	GetTask(ctx context.Context, runID id.RunID, key string) (*Entry, error)

	// PutTask records a new entry.
	PutTask(ctx context.Context, e *Entry) error

	// ListTasks returns all entries for a run ordered by Seq, with
	// non-journal entries first.
	ListTasks(ctx context.Context, runID id.RunID) ([]*Entry, error)

	// DeleteTasks removes all entries for a run.
	DeleteTasks(ctx context.Context, runID id.RunID) error
}

// SignalKey returns the reserved cache key under which a signal named key
// is stored.
func SignalKey(key string) string { return ReservedPrefix + "signal:" + key }

// SignalResultKey returns the reserved cache key recording how the
// WaitForSignal named key resolved.
func SignalResultKey(key string) string { return ReservedPrefix + "signal_result:" + key }

// IsReserved reports whether key belongs to the runtime namespace.
func IsReserved(key string) bool { return strings.HasPrefix(key, ReservedPrefix) }
