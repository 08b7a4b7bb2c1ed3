package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format.
// Callers register it via dagflow.define or pass it inline to dagflow.run.
type WorkflowDefinition struct {
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Steps          []StepDefinition        `json:"steps"`
	Variables      map[string]VariableType `json:"variables,omitempty"` // declared variable types, used to type-check guards
	MaxConcurrency int                     `json:"max_concurrency,omitempty"` // 0 = unbounded
	FailurePolicy  FailurePolicy           `json:"failure_policy,omitempty"`  // default: fail_fast
	RetryFallback  FailurePolicy           `json:"retry_fallback,omitempty"`  // applied after retry_failed exhausts (fail_fast | continue)
	DefaultRetry   *RetryPolicy            `json:"default_retry,omitempty"`
	RequiredSteps  []string                `json:"required_steps,omitempty"` // default: sink steps
	Timeout        string                  `json:"timeout,omitempty"`        // run deadline (e.g. "10m")
	Metadata       map[string]any          `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Kind      StepKind        `json:"kind,omitempty"`       // task, sub_workflow, decision, parallel, wait (default: task)
	Handler   string          `json:"handler,omitempty"`    // dispatcher handler name (e.g. "http.get")
	Config    json.RawMessage `json:"config,omitempty"`     // kind-specific config
	DependsOn []string        `json:"depends_on,omitempty"` // hard dependencies
	RunAfter  []string        `json:"run_after,omitempty"`  // soft ordering, never gates readiness
	Guard     string          `json:"guard,omitempty"`      // CEL expression over variables and outputs
	Retry     *RetryPolicy    `json:"retry,omitempty"`
	Resources Resources       `json:"resources,omitempty"`
	Actor     string          `json:"actor,omitempty"` // actor hint for the registry
}

// DisplayName returns the step name, falling back to its ID.
func (s StepDefinition) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// StepKind enumerates the kinds of steps in a workflow.
type StepKind string

const (
	StepKindTask        StepKind = "task"
	StepKindSubWorkflow StepKind = "sub_workflow"
	StepKindDecision    StepKind = "decision"
	StepKindParallel    StepKind = "parallel"
	StepKindWait        StepKind = "wait"
)

// Valid reports whether k is a known kind. The empty kind defaults to task.
func (k StepKind) Valid() bool {
	switch k {
	case "", StepKindTask, StepKindSubWorkflow, StepKindDecision, StepKindParallel, StepKindWait:
		return true
	}
	return false
}

// Resources carries scheduling hints for a step.
type Resources struct {
	Weight   int    `json:"weight,omitempty"`
	Priority int    `json:"priority,omitempty"` // lower band dispatches first
	Timeout  string `json:"timeout,omitempty"`  // per-step deadline (e.g. "30s")
}

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryPolicy configures retry behavior for a step.
type RetryPolicy struct {
	MaxAttempts  int         `json:"max_attempts"`            // total attempts including the first
	Backoff      BackoffKind `json:"backoff,omitempty"`       // default: fixed
	InitialDelay string      `json:"initial_delay,omitempty"` // e.g. "1s", "500ms"
	MaxDelay     string      `json:"max_delay,omitempty"`
	Jitter       float64     `json:"jitter,omitempty"` // fraction in [0,1]
}

// FailurePolicy selects how a terminal step failure propagates to the run.
type FailurePolicy string

const (
	FailFast    FailurePolicy = "fail_fast"
	Continue    FailurePolicy = "continue"
	RetryFailed FailurePolicy = "retry_failed"
	Manual      FailurePolicy = "manual"
)

// VariableType is the declared type of a workflow variable.
type VariableType string

const (
	VarString VariableType = "string"
	VarInt    VariableType = "int"
	VarDouble VariableType = "double"
	VarBool   VariableType = "bool"
	VarList   VariableType = "list"
	VarMap    VariableType = "map"
	VarAny    VariableType = "any"
)

// SubWorkflowConfig is the config block for sub_workflow steps.
type SubWorkflowConfig struct {
	Workflow  string         `json:"workflow"`
	Variables map[string]any `json:"variables,omitempty"`
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	Prompt string `json:"prompt,omitempty"`
}
