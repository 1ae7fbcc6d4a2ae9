// Package middleware provides composable middleware around run execution.
//
// A [Middleware] wraps one execution (one replay) of a run's handler.
// Middleware are composed into a chain using [Chain]. They are applied
// right-to-left: the first middleware in the slice is the outermost
// wrapper.
//
//	// logging → recover → handler
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging]: logs job, run, duration and outcome of each execution
//   - [Recover]: catches panics and converts them to errors
//   - [Timeout]: cancels the execution context after the run's timeout
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-job duration and outcome counters
//
// An execution that ends because the handler suspended returns an error
// wrapping durable.ErrSuspended. Built-in middleware report it as the
// "suspended" outcome rather than as a failure.
//
// Middleware MUST call next to continue the chain unless intentionally
// short-circuiting.
package middleware
