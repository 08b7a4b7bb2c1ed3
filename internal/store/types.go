package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// Definition is a registered workflow definition, addressed by name.
type Definition struct {
	Name       string                    `json:"name"`
	Version    int                       `json:"version"`
	Definition schema.WorkflowDefinition `json:"definition"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Run is the persisted representation of one workflow execution.
// Definition is a copy taken at creation and never mutated afterwards.
type Run struct {
	ID           string                     `json:"id"`
	WorkflowName string                     `json:"workflow_name"`
	Definition   schema.WorkflowDefinition  `json:"definition"`
	Status       schema.WorkflowStatus      `json:"status"`
	TriggerID    string                     `json:"trigger_id,omitempty"`
	ParentRunID  string                     `json:"parent_run_id,omitempty"`
	ParentStepID string                     `json:"parent_step_id,omitempty"`
	Actor        string                     `json:"actor,omitempty"`
	Variables    map[string]any             `json:"variables,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
	Progress     Progress                   `json:"progress"`
	Failure      *Failure                   `json:"failure,omitempty"`
	AuditCursor  int64                      `json:"audit_cursor"`
	CreatedAt    time.Time                  `json:"created_at"`
	StartedAt    *time.Time                 `json:"started_at,omitempty"`
	FinishedAt   *time.Time                 `json:"finished_at,omitempty"`
	DeadlineAt   *time.Time                 `json:"deadline_at,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// Progress is a cached aggregate of step states. It is never authoritative.
type Progress struct {
	Total     int     `json:"total"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
	Skipped   int     `json:"skipped"`
	Cancelled int     `json:"cancelled"`
	Percent   float64 `json:"percent"`
}

// Failure is the user-visible reason a run failed.
type Failure struct {
	StepID  string `json:"step_id,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StepState is the mutable execution state of one step within one run.
type StepState struct {
	RunID         string            `json:"run_id"`
	StepID        string            `json:"step_id"`
	Status        schema.StepStatus `json:"status"`
	Attempt       int               `json:"attempt"`
	NextAttemptAt *time.Time        `json:"next_attempt_at,omitempty"`
	LastAttemptAt *time.Time        `json:"last_attempt_at,omitempty"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	ActorID       string            `json:"actor_id,omitempty"`
	Output        json.RawMessage   `json:"output,omitempty"`
	Error         *StepError        `json:"error,omitempty"`
	SkipReason    string            `json:"skip_reason,omitempty"`
}

// StepError is the last error captured for a step.
type StepError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// Clone returns a deep copy of the step state.
func (s *StepState) Clone() *StepState {
	c := *s
	if s.Output != nil {
		c.Output = append(json.RawMessage(nil), s.Output...)
	}
	if s.Error != nil {
		e := *s.Error
		c.Error = &e
	}
	c.NextAttemptAt = cloneTime(s.NextAttemptAt)
	c.LastAttemptAt = cloneTime(s.LastAttemptAt)
	c.StartedAt = cloneTime(s.StartedAt)
	c.FinishedAt = cloneTime(s.FinishedAt)
	return &c
}

// RunSnapshot is everything needed to resume scheduling a run after a restart.
type RunSnapshot struct {
	Run   *Run         `json:"run"`
	Steps []*StepState `json:"steps"`
}

// StepMap indexes the snapshot's step states by step ID.
func (s *RunSnapshot) StepMap() map[string]*StepState {
	m := make(map[string]*StepState, len(s.Steps))
	for _, st := range s.Steps {
		m[st.StepID] = st
	}
	return m
}

// Event is an immutable entry in a run's append-only audit log.
type Event struct {
	ID        int64             `json:"id"`
	RunID     string            `json:"run_id"`
	StepID    string            `json:"step_id,omitempty"`
	Type      string            `json:"type"`
	Severity  schema.EventLevel `json:"severity"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Actor     string            `json:"actor,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Sequence  int64             `json:"sequence"`
}

// Trigger configures how new runs of a workflow are initiated.
type Trigger struct {
	ID                      string                 `json:"id"`
	WorkflowName            string                 `json:"workflow_name" validate:"required"`
	Kind                    schema.TriggerKind     `json:"kind" validate:"required,oneof=cron event webhook dependency"`
	Enabled                 bool                   `json:"enabled"`
	CronExpression          string                 `json:"cron_expression,omitempty" validate:"required_if=Kind cron"`
	Timezone                string                 `json:"timezone,omitempty"`
	EventType               string                 `json:"event_type,omitempty" validate:"required_if=Kind event"`
	Filter                  string                 `json:"filter,omitempty"`
	Dependency              *schema.DependencySpec `json:"dependency,omitempty" validate:"required_if=Kind dependency"`
	MaxConcurrentExecutions int                    `json:"max_concurrent_executions" validate:"gte=0"`
	QueuePolicy             schema.QueuePolicy     `json:"queue_policy,omitempty" validate:"omitempty,oneof=queue skip replace"`
	InputMapping            map[string]string      `json:"input_mapping,omitempty"`
	Variables               map[string]any         `json:"variables,omitempty"`
	LastFiredAt             *time.Time             `json:"last_fired_at,omitempty"`
	NextScheduledAt         *time.Time             `json:"next_scheduled_at,omitempty"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// --- Filter types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       *schema.WorkflowStatus `json:"status,omitempty"`
	WorkflowName string                 `json:"workflow_name,omitempty"`
	TriggerID    string                 `json:"trigger_id,omitempty"`
	ActiveOnly   bool                   `json:"active_only,omitempty"` // exclude terminal statuses
	Limit        int                    `json:"limit,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	StepID string     `json:"step_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Kind         schema.TriggerKind `json:"kind,omitempty"`
	WorkflowName string             `json:"workflow_name,omitempty"`
	EventType    string             `json:"event_type,omitempty"`
	Enabled      *bool              `json:"enabled,omitempty"`
	Limit        int                `json:"limit,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
