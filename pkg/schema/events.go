package schema

// Event types written to the per-run audit log and published to the event sink.
const (
	EventStarted   = "started"
	EventPaused    = "paused"
	EventResumed   = "resumed"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
	EventTimeout   = "timeout"

	EventStepStarted   = "step-started"
	EventStepCompleted = "step-completed"
	EventStepFailed    = "step-failed"
	EventStepSkipped   = "step-skipped"
	EventStepRetrying  = "step-retrying"
	EventStepCancelled = "step-cancelled"

	EventRunPrepared     = "prepared"
	EventVariableSet     = "variable-set"
	EventLateCompletion  = "late-completion"
	EventGuardError      = "guard-error"
	EventTriggerFired    = "trigger-fired"
	EventTriggerSkipped  = "trigger-skipped"
	EventInternalFailure = "internal-failure"
	EventFailurePolicy   = "failure-policy"
)

// EventLevel classifies an event for sink consumers.
type EventLevel string

const (
	LevelInfo    EventLevel = "info"
	LevelWarning EventLevel = "warning"
	LevelError   EventLevel = "error"
)

// EventSeverity returns the default severity for an event type.
func EventSeverity(eventType string) EventLevel {
	switch eventType {
	case EventFailed, EventStepFailed, EventTimeout, EventInternalFailure:
		return LevelError
	case EventStepRetrying, EventCancelled, EventStepCancelled, EventLateCompletion,
		EventGuardError, EventTriggerSkipped:
		return LevelWarning
	}
	return LevelInfo
}

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusPaused    WorkflowStatus = "paused"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusTimeout   WorkflowStatus = "timeout"
)

// Terminal reports whether no further transitions are accepted.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled, WorkflowStatusTimeout:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusRetrying  StepStatus = "retrying"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether no further transitions are accepted.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Satisfies reports whether a dependency in this status unblocks its dependents.
func (s StepStatus) Satisfies() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}
