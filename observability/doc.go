// Package observability provides an OpenTelemetry metrics extension for
// durable. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for run creation, start, suspension, completion,
// failure, and task completion and retry.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
