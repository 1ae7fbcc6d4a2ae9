// Package job defines job definitions, the job registry, and the IO
// capability handed to handlers.
//
// # Defining a Job
//
// A job is an event-triggered handler. The trigger payload is decoded into
// T before the handler runs; the handler's return value becomes the run
// output:
//
//	var Welcome = job.NewDefinition("welcome-email", "user.created",
//	    func(io job.IO, u User) (any, error) {
//	        msg, err := job.Task(io, "render", func(ctx context.Context) (string, error) {
//	            return templates.Render(ctx, u)
//	        })
//	        if err != nil {
//	            return nil, err
//	        }
//	        if err := io.Wait("cool-off", time.Hour); err != nil {
//	            return nil, err
//	        }
//	        return io.RunTask("send", func(ctx context.Context) (any, error) {
//	            return mailer.Send(ctx, u.Email, msg)
//	        })
//	    },
//	    job.WithSchema(schema.Struct[User]()),
//	)
//
// # Determinism
//
// A handler is replayed from the top each time its run resumes. Every
// primitive on [IO] must be reached in the same order with the same cache
// key on every replay; side effects belong inside RunTask callbacks.
// Errors returned by IO primitives must be propagated, not swallowed.
//
// # Registry
//
// [Registry] maps job IDs to type-erased [Descriptor] values and indexes
// them by trigger name for fan-out. Register definitions at startup via
// [RegisterDefinition]; the engine package wraps it as engine.Define.
package job
