package audithook

import "log/slog"

// Option configures an Extension.
type Option func(*Extension)

// WithActions restricts the extension to the listed actions. Unknown
// actions are ignored.
//
//	audithook.New(recorder,
//	    audithook.WithActions(
//	        audithook.ActionRunCompleted,
//	        audithook.ActionRunFailed,
//	    ),
//	)
func WithActions(actions ...string) Option {
	return func(e *Extension) {
		e.enabled = make(map[string]bool, len(actions))
		for _, a := range actions {
			e.enabled[a] = true
		}
	}
}

// WithLogger sets the logger used to report recorder failures.
func WithLogger(l *slog.Logger) Option {
	return func(e *Extension) { e.logger = l }
}
