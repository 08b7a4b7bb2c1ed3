package engine

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rendis/dagflow/pkg/schema"
)

// --- helpers ---

func taskStep(id string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Kind:      schema.StepKindTask,
		Handler:   "noop",
		DependsOn: depends,
	}
}

func guardedStep(id, guard string, depends ...string) schema.StepDefinition {
	s := taskStep(id, depends...)
	s.Guard = guard
	return s
}

func subWorkflowStep(id, workflow string, depends ...string) schema.StepDefinition {
	cfg, _ := json.Marshal(schema.SubWorkflowConfig{Workflow: workflow})
	return schema.StepDefinition{
		ID:        id,
		Kind:      schema.StepKindSubWorkflow,
		Config:    cfg,
		DependsOn: depends,
	}
}

func assertError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var dErr *schema.DagflowError
	if !errors.As(err, &dErr) {
		t.Fatalf("expected DagflowError, got %T: %v", err, err)
	}
	if dErr.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, dErr.Code, dErr.Message)
	}
}

// indexOf returns the position of each step in the sorted order.
func indexOf(dag *DAG) map[string]int {
	m := make(map[string]int, len(dag.Sorted))
	for i, s := range dag.Sorted {
		m[s] = i
	}
	return m
}

func mustParse(t *testing.T, def *schema.WorkflowDefinition) *DAG {
	t.Helper()
	dag, err := ParseDAG(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return dag
}

// --- graph structure tests ---

func TestParseDAG_LinearChain(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			taskStep("a"),
			taskStep("b", "a"),
			taskStep("c", "b"),
		},
	})

	idx := indexOf(dag)
	if idx["a"] >= idx["b"] || idx["b"] >= idx["c"] {
		t.Errorf("incorrect topological order: %v", dag.Sorted)
	}
	if len(dag.Roots) != 1 || dag.Roots[0] != "a" {
		t.Errorf("expected roots=[a], got %v", dag.Roots)
	}
	if len(dag.Sinks) != 1 || dag.Sinks[0] != "c" {
		t.Errorf("expected sinks=[c], got %v", dag.Sinks)
	}
	if len(dag.Levels) != 3 {
		t.Errorf("expected 3 levels, got %d", len(dag.Levels))
	}
}

func TestParseDAG_Diamond(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			taskStep("s1"),
			taskStep("s2", "s1"),
			taskStep("s3", "s1"),
			taskStep("s4", "s2", "s3"),
		},
	})

	idx := indexOf(dag)
	if idx["s1"] >= idx["s2"] || idx["s1"] >= idx["s3"] {
		t.Errorf("s1 must come before s2 and s3: %v", dag.Sorted)
	}
	if idx["s2"] >= idx["s4"] || idx["s3"] >= idx["s4"] {
		t.Errorf("s2 and s3 must come before s4: %v", dag.Sorted)
	}
	if len(dag.Levels) != 3 || len(dag.Levels[1]) != 2 {
		t.Errorf("expected levels [[s1] [s2 s3] [s4]], got %v", dag.Levels)
	}
	if got := dag.Reverse["s1"]; len(got) != 2 || got[0] != "s2" || got[1] != "s3" {
		t.Errorf("expected reverse[s1]=[s2 s3], got %v", got)
	}
	if len(dag.Required) != 1 || dag.Required[0] != "s4" {
		t.Errorf("required steps should default to sinks, got %v", dag.Required)
	}
}

func TestParseDAG_DeclarationOrderKept(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			taskStep("z"),
			taskStep("m"),
			taskStep("a"),
		},
	})
	want := []string{"z", "m", "a"}
	for i, id := range want {
		if dag.Order[i] != id || dag.Sorted[i] != id || dag.Nodes[id].Index != i {
			t.Fatalf("expected declaration order %v, got order=%v sorted=%v", want, dag.Order, dag.Sorted)
		}
	}
}

func TestParseDAG_DefaultsAndPolicies(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps:          []schema.StepDefinition{taskStep("a")},
		MaxConcurrency: 4,
		Timeout:        "1m",
	})
	if dag.FailurePolicy != schema.FailFast || dag.RetryFallback != schema.FailFast {
		t.Errorf("expected fail_fast defaults, got %s/%s", dag.FailurePolicy, dag.RetryFallback)
	}
	if dag.Nodes["a"].Kind != schema.StepKindTask {
		t.Errorf("expected default kind task, got %s", dag.Nodes["a"].Kind)
	}
	if dag.MaxConcurrency != 4 || dag.Timeout.Minutes() != 1 {
		t.Errorf("unexpected limits: %d %s", dag.MaxConcurrency, dag.Timeout)
	}
}

func TestParseDAG_RetryFailedUsesDefaultRetry(t *testing.T) {
	withRetry := taskStep("b")
	withRetry.Retry = &schema.RetryPolicy{MaxAttempts: 5}
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps:         []schema.StepDefinition{taskStep("a"), withRetry},
		FailurePolicy: schema.RetryFailed,
		RetryFallback: schema.Continue,
		DefaultRetry:  &schema.RetryPolicy{MaxAttempts: 2, InitialDelay: "10ms"},
	})
	if got := dag.RetryFor("a"); got == nil || got.MaxAttempts != 2 {
		t.Errorf("expected default retry for a, got %+v", got)
	}
	if got := dag.RetryFor("b"); got == nil || got.MaxAttempts != 5 {
		t.Errorf("expected own retry for b, got %+v", got)
	}
	if dag.EffectivePolicy() != schema.Continue {
		t.Errorf("expected fallback continue, got %s", dag.EffectivePolicy())
	}
}

func TestParseDAG_RunAfterIsKeptButNotAnEdge(t *testing.T) {
	b := taskStep("b")
	b.RunAfter = []string{"a"}
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{taskStep("a"), b},
	})
	if len(dag.Edges["b"]) != 0 {
		t.Errorf("run_after must not create a hard edge: %v", dag.Edges["b"])
	}
	if len(dag.After["b"]) != 1 || dag.After["b"][0] != "a" {
		t.Errorf("expected after[b]=[a], got %v", dag.After["b"])
	}
	if len(dag.Roots) != 2 {
		t.Errorf("both steps should be roots, got %v", dag.Roots)
	}
}

func TestParseDAG_GuardCompiled(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Variables: map[string]schema.VariableType{"region": schema.VarString},
		Steps: []schema.StepDefinition{
			guardedStep("a", `region == "eu"`),
		},
	})
	if dag.Nodes["a"].Guard == nil {
		t.Fatal("expected compiled guard")
	}
}

// --- cycle detection tests ---

func TestParseDAG_CycleDetection(t *testing.T) {
	_, err := ParseDAG(&schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			taskStep("a", "c"),
			taskStep("b", "a"),
			taskStep("c", "b"),
		},
	})
	assertError(t, err, schema.ErrCodeCycleDetected)
}

func TestParseDAG_SelfCycle(t *testing.T) {
	_, err := ParseDAG(&schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{taskStep("a", "a")},
	})
	assertError(t, err, schema.ErrCodeCycleDetected)
}

func TestParseDAG_CycleInSubgraph(t *testing.T) {
	// a -> b -> c -> d -> b
	_, err := ParseDAG(&schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			taskStep("a"),
			taskStep("b", "a", "d"),
			taskStep("c", "b"),
			taskStep("d", "c"),
		},
	})
	assertError(t, err, schema.ErrCodeCycleDetected)

	var dErr *schema.DagflowError
	errors.As(err, &dErr)
	steps, _ := dErr.Details["steps"].([]string)
	if len(steps) != 3 {
		t.Errorf("expected b, c, d reported in the cycle, got %v", steps)
	}
}

// --- validation tests ---

func TestParseDAG_NilDefinition(t *testing.T) {
	_, err := ParseDAG(nil)
	assertError(t, err, schema.ErrCodeValidation)
}

func TestParseDAG_EmptyWorkflow(t *testing.T) {
	_, err := ParseDAG(&schema.WorkflowDefinition{})
	assertError(t, err, schema.ErrCodeValidation)
}

func TestParseDAG_InvalidDefinitions(t *testing.T) {
	badJitter := taskStep("a")
	badJitter.Retry = &schema.RetryPolicy{MaxAttempts: 2, Jitter: 2}

	badTimeout := taskStep("a")
	badTimeout.Resources.Timeout = "-5s"

	unknownKind := taskStep("a")
	unknownKind.Kind = "loop"

	badConfig := taskStep("a")
	badConfig.Config = json.RawMessage(`{not json`)

	tests := map[string]*schema.WorkflowDefinition{
		"empty step id":        {Steps: []schema.StepDefinition{taskStep("")}},
		"duplicate ids":        {Steps: []schema.StepDefinition{taskStep("a"), taskStep("a")}},
		"unknown dependency":   {Steps: []schema.StepDefinition{taskStep("a", "ghost")}},
		"duplicate dependency": {Steps: []schema.StepDefinition{taskStep("a"), taskStep("b", "a", "a")}},
		"bad jitter":           {Steps: []schema.StepDefinition{badJitter}},
		"bad timeout":          {Steps: []schema.StepDefinition{badTimeout}},
		"unknown kind":         {Steps: []schema.StepDefinition{unknownKind}},
		"invalid config":       {Steps: []schema.StepDefinition{badConfig}},
		"sub workflow no name": {Steps: []schema.StepDefinition{subWorkflowStep("a", "")}},
		"unknown run_after":    {Steps: []schema.StepDefinition{{ID: "a", RunAfter: []string{"ghost"}}}},
		"unknown guard ident":  {Steps: []schema.StepDefinition{guardedStep("a", "undeclared > 1")}},
		"unknown policy":       {Steps: []schema.StepDefinition{taskStep("a")}, FailurePolicy: "yolo"},
		"bad fallback":         {Steps: []schema.StepDefinition{taskStep("a")}, RetryFallback: schema.Manual},
		"unknown required":     {Steps: []schema.StepDefinition{taskStep("a")}, RequiredSteps: []string{"b"}},
		"negative concurrency": {Steps: []schema.StepDefinition{taskStep("a")}, MaxConcurrency: -1},
	}
	for name, def := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDAG(def)
			assertError(t, err, schema.ErrCodeValidation)
		})
	}
}

func TestParseDAG_DoesNotMutateDefinition(t *testing.T) {
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}},
	}
	mustParse(t, def)
	if def.Steps[0].Kind != "" || def.FailurePolicy != "" {
		t.Errorf("definition was mutated: %+v", def)
	}
}

func TestParseDAG_SubWorkflow(t *testing.T) {
	dag := mustParse(t, &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{subWorkflowStep("child", "billing")},
	})
	if dag.Nodes["child"].Kind != schema.StepKindSubWorkflow {
		t.Errorf("expected sub_workflow kind, got %s", dag.Nodes["child"].Kind)
	}
}
