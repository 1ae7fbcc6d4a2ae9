// Package scheduler creates runs, executes them by replaying their
// handler against the task cache, and persists the resulting state.
//
// # Replay
//
// A run's handler is re-executed from the top every time the run is
// claimed. Each primitive call on [job.IO] is assigned the next
// program-order sequence number. If the task cache already holds an entry
// for the call's key at that sequence number, the recorded result is
// returned without running the callback. Otherwise the callback runs and
// its result is recorded, write-once.
//
// A journal entry whose sequence number or kind disagrees with the call,
// a cache miss below the run's cursor, or a handler that returns before
// reaching its cursor means the handler no longer issues the calls it
// issued before. The run then fails with a
// *durable.NonDeterministicReplayError and is never retried.
//
// # Suspension
//
// Wait, WaitForSignal and a failing RunTask suspend the run: the
// primitive returns an error wrapping durable.ErrSuspended, the handler
// returns it, and [Scheduler.Execute] persists the run as waiting with a
// WakeAt time. No goroutine is held while a run waits; the worker pool
// claims it again once it is due.
package scheduler
