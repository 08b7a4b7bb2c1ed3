package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/pkg/schema"
)

// mockHandlerLookup implements HandlerLookup for tests.
type mockHandlerLookup struct {
	registered map[string]bool
}

func (m *mockHandlerLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockHandlerLookup {
	m := &mockHandlerLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func wf(steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: "wf", Steps: steps}
}

func errorPaths(r *schema.ValidationResult) []string {
	paths := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		paths = append(paths, e.Path)
	}
	return paths
}

// --- Handlers ---

func TestSemantic_HandlerRegistered(t *testing.T) {
	result := validateSemantic(wf(schema.StepDefinition{ID: "s1", Handler: "http.get"}), newMockLookup("http.get"))
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestSemantic_HandlerNotRegistered(t *testing.T) {
	result := validateSemantic(wf(schema.StepDefinition{ID: "s1", Handler: "http.get"}), newMockLookup("http.post"))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps[0].handler", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeNotFound, result.Errors[0].Code)
	assert.Contains(t, result.Errors[0].Message, "http.get")
}

func TestSemantic_NilLookupSkipsRegistration(t *testing.T) {
	result := validateSemantic(wf(schema.StepDefinition{ID: "s1", Handler: "anything"}), nil)
	assert.True(t, result.Valid())
}

func TestSemantic_DispatchedKindsRequireHandler(t *testing.T) {
	for _, kind := range []schema.StepKind{"", schema.StepKindTask, schema.StepKindDecision, schema.StepKindParallel} {
		t.Run(string(kind), func(t *testing.T) {
			result := validateSemantic(wf(schema.StepDefinition{ID: "s1", Kind: kind}), nil)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, "steps[0].handler", result.Errors[0].Path)
		})
	}
}

func TestSemantic_SubWorkflowRequiresTarget(t *testing.T) {
	ok := wf(schema.StepDefinition{
		ID: "child", Kind: schema.StepKindSubWorkflow,
		Config: mustJSON(schema.SubWorkflowConfig{Workflow: "billing", Variables: map[string]any{"n": 1}}),
	})
	assert.True(t, validateSemantic(ok, nil).Valid())

	for name, cfg := range map[string]json.RawMessage{
		"no config":      nil,
		"empty workflow": mustJSON(schema.SubWorkflowConfig{}),
		"not an object":  json.RawMessage(`"billing"`),
	} {
		t.Run(name, func(t *testing.T) {
			result := validateSemantic(wf(schema.StepDefinition{ID: "child", Kind: schema.StepKindSubWorkflow, Config: cfg}), nil)
			require.Len(t, result.Errors, 1)
			assert.Equal(t, "steps[0].config.workflow", result.Errors[0].Path)
		})
	}
}

func TestSemantic_WaitStepHandlerWarns(t *testing.T) {
	result := validateSemantic(wf(schema.StepDefinition{ID: "approve", Kind: schema.StepKindWait, Handler: "noop"}), nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].handler", result.Warnings[0].Path)
}

// --- References ---

func TestSemantic_DependencyReferences(t *testing.T) {
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h"},
		schema.StepDefinition{ID: "b", Handler: "h", DependsOn: []string{"a", "ghost", "b"}},
	)
	result := validateSemantic(def, nil)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, []string{"steps[1].depends_on[1]", "steps[1].depends_on[2]"}, errorPaths(result))
	assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[1].Code)
}

func TestSemantic_RunAfterReferences(t *testing.T) {
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h"},
		schema.StepDefinition{ID: "b", Handler: "h", RunAfter: []string{"a", "b", "missing"}},
	)
	result := validateSemantic(def, nil)
	assert.Equal(t, []string{"steps[1].run_after[1]", "steps[1].run_after[2]"}, errorPaths(result))
}

func TestSemantic_RequiredStepsMustExist(t *testing.T) {
	def := wf(schema.StepDefinition{ID: "a", Handler: "h"})
	def.RequiredSteps = []string{"a", "z"}
	result := validateSemantic(def, nil)
	assert.Equal(t, []string{"required_steps[1]"}, errorPaths(result))
}

// --- Guards ---

func TestSemantic_Guards(t *testing.T) {
	tests := []struct {
		name    string
		guard   string
		wantErr bool
	}{
		{"declared variable", `region == "eu"`, false},
		{"typed comparison", `limit > 10 && region != ""`, false},
		{"outputs reference", `outputs.fetch.status == 200`, false},
		{"undeclared identifier", `tier == "gold"`, true},
		{"syntax error", `region ==`, true},
		{"type mismatch", `limit == "ten"`, true},
		{"non-boolean", `limit + 1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := wf(schema.StepDefinition{ID: "s1", Handler: "h", Guard: tt.guard})
			def.Variables = map[string]schema.VariableType{"region": schema.VarString, "limit": schema.VarInt}
			result := validateSemantic(def, nil)
			if !tt.wantErr {
				assert.True(t, result.Valid(), "%v", result.Errors)
				return
			}
			require.Len(t, result.Errors, 1)
			assert.Equal(t, "steps[0].guard", result.Errors[0].Path)
			assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
		})
	}
}

// --- Retry, durations, policies ---

func TestSemantic_RetryPolicy(t *testing.T) {
	high := wf(schema.StepDefinition{ID: "s1", Handler: "h", Retry: &schema.RetryPolicy{MaxAttempts: 25}})
	result := validateSemantic(high, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "steps[0].retry.max_attempts", result.Warnings[0].Path)

	inverted := wf(schema.StepDefinition{ID: "s1", Handler: "h", Retry: &schema.RetryPolicy{
		MaxAttempts: 3, InitialDelay: "10s", MaxDelay: "1s",
	}})
	assert.Equal(t, []string{"steps[0].retry.max_delay"}, errorPaths(validateSemantic(inverted, nil)))
}

func TestSemantic_Durations(t *testing.T) {
	def := wf(schema.StepDefinition{ID: "s1", Handler: "h", Resources: schema.Resources{Timeout: "0s"}})
	def.Timeout = "-5m"
	result := validateSemantic(def, nil)
	assert.ElementsMatch(t, []string{"timeout", "steps[0].resources.timeout"}, errorPaths(result))
}

func TestSemantic_StepTimeoutLongerThanRunWarns(t *testing.T) {
	def := wf(schema.StepDefinition{ID: "s1", Handler: "h", Resources: schema.Resources{Timeout: "2h"}})
	def.Timeout = "30m"
	result := validateSemantic(def, nil)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "2h0m0s")
	assert.Contains(t, result.Warnings[0].Message, "30m0s")
}

func TestSemantic_FailurePolicyWarnings(t *testing.T) {
	retry := wf(schema.StepDefinition{ID: "s1", Handler: "h"})
	retry.FailurePolicy = schema.RetryFailed
	result := validateSemantic(retry, nil)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "default_retry", result.Warnings[0].Path)

	misplaced := wf(schema.StepDefinition{ID: "s1", Handler: "h"})
	misplaced.FailurePolicy = schema.Continue
	misplaced.RetryFallback = schema.FailFast
	misplaced.DefaultRetry = &schema.RetryPolicy{MaxAttempts: 2}
	result = validateSemantic(misplaced, nil)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 2)

	clean := wf(schema.StepDefinition{ID: "s1", Handler: "h"})
	clean.FailurePolicy = schema.RetryFailed
	clean.DefaultRetry = &schema.RetryPolicy{MaxAttempts: 3, InitialDelay: "1s"}
	result = validateSemantic(clean, nil)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}
