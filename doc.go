// Package durable provides a replay-based durable task-execution runtime
// for Go. Jobs are event-triggered handlers; a handler memoizes its
// side-effecting steps behind stable cache keys so that re-execution after
// a crash or a pause never repeats a completed step.
//
// Durable is designed as a library, not a service. Import it, configure a
// store, and define jobs as ordinary Go functions.
//
// # Quick Start
//
//	rt, err := durable.New(
//	    durable.WithStore(pgStore),
//	    durable.WithConcurrency(20),
//	)
//	eng, err := engine.Build(rt)
//	engine.Define(eng, job.NewDefinition("welcome-email", "user.created", handler))
//
// # Architecture
//
// Each subsystem (run, cache) defines its own store interface and a single
// backend implements all of them. A run is an explicit state machine:
//
//	pending → running → {waiting ↔ running} → {completed | failed}
//
// Every suspension primitive a handler calls (RunTask, Wait, WaitForSignal,
// TriggerJob) is journaled in the task cache under a program-order sequence
// number. Resuming a run replays the handler from the top; journaled steps
// return their recorded result without executing again. A waiting run holds
// no goroutine: it is a row with a wake-up time.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package durable
