// Package engine wires all durable subsystems together and provides the
// primary application-level API for defining jobs and delivering events.
//
// The engine package exists to break a fundamental import cycle: the root
// durable package defines Entity and the error taxonomy (imported by run,
// job, cache, etc.) and therefore cannot import those packages back.
// Engine sits above all subsystem packages and below the application layer.
//
// # Building an Engine
//
//	rt, err := durable.New(
//	    durable.WithStore(pgStore),
//	    durable.WithConcurrency(20),
//	)
//
//	eng, err := engine.Build(rt,
//	    engine.WithExtension(myExtension),
//	    engine.WithMiddleware(myMiddleware),
//	    engine.WithBackoff(backoff.NewExponential(time.Second, time.Minute)),
//	)
//
// # Defining Jobs
//
//	err := engine.Define(eng, job.NewDefinition("welcome-email", "user.created", sendWelcome))
//
// # Delivering Events
//
//	handles, err := engine.Trigger(ctx, eng, "user.created", User{ID: "u_1"})
//
//	// Signals and cancellation
//	eng.Signal(ctx, runID, "approved", json.RawMessage(`{"by":"ops"}`))
//	eng.Cancel(ctx, runID)
//
// # Options
//
//   - [WithExtension] registers a lifecycle extension
//   - [WithMiddleware] adds a middleware to the execution chain
//   - [WithBackoff] sets the task retry backoff strategy
//   - [WithTracerProvider] sets the OpenTelemetry tracer provider
//   - [WithMeterProvider] sets the OpenTelemetry meter provider
package engine
