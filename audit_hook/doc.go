// Package audithook is a durable extension that turns run lifecycle events
// into audit records.
//
// Every run and task hook emits a structured [AuditEvent] through the
// [Recorder] interface. Retries are recorded as warnings and terminal
// failures as critical.
//
// # Usage
//
//	eng, err := engine.Build(rt,
//	    engine.WithExtension(audithook.New(audithook.RecorderFunc(
//	        func(ctx context.Context, evt *audithook.AuditEvent) error {
//	            return auditLog.Write(ctx, evt)
//	        },
//	    ))),
//	)
//
// # Selective filtering
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionRunFailed,
//	        audithook.ActionTaskRetrying,
//	    ),
//	)
package audithook
