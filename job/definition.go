package job

// Definition is a typed job definition. T is the trigger payload type
// (must be JSON-serializable).
type Definition[T any] struct {
	// ID uniquely identifies the job across the registry.
	ID string

	// TriggerName is the event name that starts runs of this job.
	TriggerName string

	// Handler processes one run. Its result is JSON-encoded as the run
	// output.
	Handler func(io IO, payload T) (any, error)

	// Opts configures name, version, schema, retries and timeout.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobID, trigger string, handler func(io IO, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		ID:          jobID,
		TriggerName: trigger,
		Handler:     handler,
		Opts:        DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	if def.Opts.Name == "" {
		def.Opts.Name = jobID
	}
	return def
}
