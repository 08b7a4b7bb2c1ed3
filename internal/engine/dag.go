package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/pkg/schema"
)

// Node is one compiled step of a DAG.
type Node struct {
	Def      schema.StepDefinition
	Index    int // declaration order
	Kind     schema.StepKind
	Guard    *expressions.Guard
	Retry    *RetrySpec // nil when the step has no retry policy
	Timeout  time.Duration
	Priority int
}

// DAG is the immutable, compiled form of a workflow definition.
// It is shared read-only by every run of the workflow.
type DAG struct {
	Name           string
	Nodes          map[string]*Node
	Order          []string            // declaration order
	Edges          map[string][]string // step ID -> hard dependencies
	Reverse        map[string][]string // step ID -> dependents
	After          map[string][]string // step ID -> soft run_after hints
	Sorted         []string            // topological order
	Roots          []string            // steps with no dependencies
	Sinks          []string            // steps nothing depends on
	Levels         [][]string          // steps grouped by dependency depth
	Required       []string            // end steps that must complete under the continue policy
	MaxConcurrency int
	FailurePolicy  schema.FailurePolicy
	RetryFallback  schema.FailurePolicy
	DefaultRetry   *RetrySpec
	Timeout        time.Duration
	Variables      map[string]schema.VariableType
}

// ParseDAG compiles a WorkflowDefinition into a DAG.
// It validates step IDs, kinds and configs, builds adjacency lists, performs
// topological sorting with Kahn's algorithm (detecting cycles), compiles
// guards against the declared variables and parses retry policies and timeouts.
// The definition is not modified.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}
	if def.MaxConcurrency < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "max_concurrency must be >= 0, got %d", def.MaxConcurrency)
	}

	dag := &DAG{
		Name:           def.Name,
		Nodes:          make(map[string]*Node, len(def.Steps)),
		Order:          make([]string, 0, len(def.Steps)),
		Edges:          make(map[string][]string, len(def.Steps)),
		Reverse:        make(map[string][]string, len(def.Steps)),
		After:          make(map[string][]string),
		MaxConcurrency: def.MaxConcurrency,
		Variables:      def.Variables,
	}

	if err := dag.parsePolicies(def); err != nil {
		return nil, err
	}

	guards, err := expressions.NewGuardCompiler(def.Variables)
	if err != nil {
		return nil, err
	}

	// First pass: register steps, reject duplicates, compile per-step settings.
	for i, step := range def.Steps {
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty ID", i)
		}
		if _, exists := dag.Nodes[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step ID: %s", step.ID)
		}
		node, err := compileNode(i, step, guards)
		if err != nil {
			return nil, err
		}
		dag.Nodes[step.ID] = node
		dag.Order = append(dag.Order, step.ID)
	}

	// Second pass: build adjacency lists in declaration order.
	for _, id := range dag.Order {
		step := dag.Nodes[id].Def
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", id).WithStep(id)
			}
			if _, exists := dag.Nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s depends on non-existent step: %s", id, dep).WithStep(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has duplicate dependency: %s", id, dep).WithStep(id)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps

		for _, after := range step.RunAfter {
			if _, exists := dag.Nodes[after]; !exists || after == id {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has invalid run_after reference: %s", id, after).WithStep(id)
			}
			dag.After[id] = append(dag.After[id], after)
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Nodes))
	queue := make([]string, 0)
	for _, id := range dag.Order {
		inDegree[id] = len(dag.Edges[id])
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, dep := range dag.Reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Nodes) {
		var cyclic []string
		for _, id := range dag.Order {
			if inDegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle").
			WithDetails(map[string]any{"steps": cyclic})
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)

	for _, id := range dag.Order {
		if len(dag.Reverse[id]) == 0 {
			dag.Sinks = append(dag.Sinks, id)
		}
	}

	dag.Required = dag.Sinks
	if len(def.RequiredSteps) > 0 {
		dag.Required = make([]string, 0, len(def.RequiredSteps))
		for _, id := range def.RequiredSteps {
			if _, ok := dag.Nodes[id]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "required step %q does not exist", id)
			}
			dag.Required = append(dag.Required, id)
		}
	}

	return dag, nil
}

func (dag *DAG) parsePolicies(def *schema.WorkflowDefinition) error {
	dag.FailurePolicy = def.FailurePolicy
	if dag.FailurePolicy == "" {
		dag.FailurePolicy = schema.FailFast
	}
	switch dag.FailurePolicy {
	case schema.FailFast, schema.Continue, schema.RetryFailed, schema.Manual:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown failure_policy %q", def.FailurePolicy)
	}

	dag.RetryFallback = def.RetryFallback
	if dag.RetryFallback == "" {
		dag.RetryFallback = schema.FailFast
	}
	if dag.RetryFallback != schema.FailFast && dag.RetryFallback != schema.Continue {
		return schema.NewErrorf(schema.ErrCodeValidation, "retry_fallback must be fail_fast or continue, got %q", def.RetryFallback)
	}

	if def.DefaultRetry != nil {
		spec, err := ParseRetryPolicy(def.DefaultRetry)
		if err != nil {
			return fmt.Errorf("default_retry: %w", err)
		}
		dag.DefaultRetry = spec
	}

	if def.Timeout != "" {
		d, err := parsePositiveDuration("timeout", def.Timeout)
		if err != nil {
			return err
		}
		dag.Timeout = d
	}
	return nil
}

func compileNode(index int, step schema.StepDefinition, guards *expressions.GuardCompiler) (*Node, error) {
	node := &Node{Def: step, Index: index, Kind: step.Kind, Priority: step.Resources.Priority}
	if node.Kind == "" {
		node.Kind = schema.StepKindTask
	}
	if !node.Kind.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown kind: %s", step.ID, step.Kind).WithStep(step.ID)
	}
	if err := validateStepConfig(node.Kind, step); err != nil {
		return nil, err
	}

	if step.Guard != "" {
		g, err := guards.Compile(step.Guard)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s guard: %s", step.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		node.Guard = g
	}

	if step.Retry != nil {
		spec, err := ParseRetryPolicy(step.Retry)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s retry: %s", step.ID, err.Error()).
				WithStep(step.ID).WithCause(err)
		}
		node.Retry = spec
	}

	if step.Resources.Timeout != "" {
		d, err := parsePositiveDuration("timeout", step.Resources.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s: %s", step.ID, err.Error()).WithStep(step.ID)
		}
		node.Timeout = d
	}
	if step.Resources.Weight < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has negative weight", step.ID).WithStep(step.ID)
	}
	return node, nil
}

// validateStepConfig checks kind-specific constraints on a step definition.
func validateStepConfig(kind schema.StepKind, step schema.StepDefinition) error {
	switch kind {
	case schema.StepKindSubWorkflow:
		if len(step.Config) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "sub_workflow step %s has no config", step.ID).WithStep(step.ID)
		}
		var cfg schema.SubWorkflowConfig
		if err := json.Unmarshal(step.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "sub_workflow step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
		}
		if cfg.Workflow == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "sub_workflow step %s has no workflow name", step.ID).WithStep(step.ID)
		}

	case schema.StepKindWait:
		if len(step.Config) > 0 {
			var cfg schema.WaitConfig
			if err := json.Unmarshal(step.Config, &cfg); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "wait step %s has invalid config: %v", step.ID, err).WithStep(step.ID)
			}
		}

	case schema.StepKindTask, schema.StepKindDecision, schema.StepKindParallel:
		if len(step.Config) > 0 && !json.Valid(step.Config) {
			return schema.NewErrorf(schema.ErrCodeValidation, "step %s has invalid config JSON", step.ID).WithStep(step.ID)
		}
	}
	return nil
}

// computeLevels groups steps by dependency depth.
// Steps at the same level have all dependencies satisfied by previous levels.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Nodes))
	maxLevel := 0
	for _, id := range dag.Sorted {
		d := 0
		for _, dep := range dag.Edges[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}

// RetryFor returns the retry policy governing a step, applying the workflow
// default under the retry_failed policy.
func (dag *DAG) RetryFor(stepID string) *RetrySpec {
	n, ok := dag.Nodes[stepID]
	if !ok {
		return nil
	}
	if n.Retry != nil {
		return n.Retry
	}
	if dag.FailurePolicy == schema.RetryFailed {
		return dag.DefaultRetry
	}
	return nil
}

// EffectivePolicy is the failure policy applied once a step's retries are exhausted.
func (dag *DAG) EffectivePolicy() schema.FailurePolicy {
	if dag.FailurePolicy == schema.RetryFailed {
		return dag.RetryFallback
	}
	return dag.FailurePolicy
}

func parsePositiveDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "invalid %s %q: %v", field, value, err)
	}
	if d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "%s must be positive, got %s", field, value)
	}
	return d, nil
}
