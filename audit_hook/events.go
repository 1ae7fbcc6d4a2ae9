package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionRunCreated    = "run.created"
	ActionRunStarted    = "run.started"
	ActionRunWaiting    = "run.waiting"
	ActionRunCompleted  = "run.completed"
	ActionRunFailed     = "run.failed"
	ActionTaskCompleted = "task.completed"
	ActionTaskRetrying  = "task.retrying"
)

// Audit event categories group related actions.
const (
	CategoryRun  = "durable.run"
	CategoryTask = "durable.task"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceRun = "run"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionRunCreated,
		ActionRunStarted,
		ActionRunWaiting,
		ActionRunCompleted,
		ActionRunFailed,
		ActionTaskCompleted,
		ActionTaskRetrying,
	}
}
