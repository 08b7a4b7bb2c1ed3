package validation

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/pkg/schema"
)

func TestWorkflowValidator_ImplementsValidator(t *testing.T) {
	var _ Validator = (*WorkflowValidator)(nil)
}

func newWorkflowValidator(t *testing.T, handlers ...string) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator(newMockLookup(handlers...))
	require.NoError(t, err)
	return wv
}

func TestWorkflowValidator_FullValid(t *testing.T) {
	wv := newWorkflowValidator(t, "http.get", "jq.transform")

	def := wf(
		schema.StepDefinition{ID: "fetch", Handler: "http.get"},
		schema.StepDefinition{ID: "shape", Handler: "jq.transform", DependsOn: []string{"fetch"}},
		schema.StepDefinition{ID: "approve", Kind: schema.StepKindWait, DependsOn: []string{"shape"}},
	)
	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_NilDef(t *testing.T) {
	wv := newWorkflowValidator(t)
	result := wv.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestWorkflowValidator_NilLookup(t *testing.T) {
	wv, err := NewWorkflowValidator(nil)
	require.NoError(t, err)

	result := wv.Validate(wf(schema.StepDefinition{ID: "s1", Handler: "not.registered"}))
	assert.True(t, result.Valid(), "nil lookup skips handler checks")
}

// --- Stage ordering ---

func TestWorkflowValidator_StructuralFailShortCircuits(t *testing.T) {
	wv := newWorkflowValidator(t)

	// Handler missing from the registry would be a semantic error; it must not appear.
	def := wf(schema.StepDefinition{ID: "s1", Handler: "ghost", Kind: "loop"})
	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeNotFound, e.Code)
	}
}

func TestWorkflowValidator_DuplicateIDsReportedStructurally(t *testing.T) {
	wv := newWorkflowValidator(t, "h")
	result := wv.Validate(wf(
		schema.StepDefinition{ID: "s1", Handler: "h"},
		schema.StepDefinition{ID: "s1", Handler: "h"},
	))
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "steps.s1", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "duplicate")
}

func TestWorkflowValidator_SemanticErrorsSkipDAG(t *testing.T) {
	wv := newWorkflowValidator(t)

	// Unregistered handlers plus a cycle: only the semantic errors surface.
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h", DependsOn: []string{"b"}},
		schema.StepDefinition{ID: "b", Handler: "h", DependsOn: []string{"a"}},
	)
	result := wv.Validate(def)
	require.Len(t, result.Errors, 2)
	for _, e := range result.Errors {
		assert.Equal(t, schema.ErrCodeNotFound, e.Code)
	}
}

func TestWorkflowValidator_CycleKeepsItsCode(t *testing.T) {
	wv := newWorkflowValidator(t, "h")
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h", DependsOn: []string{"b"}},
		schema.StepDefinition{ID: "b", Handler: "h", DependsOn: []string{"a"}},
	)

	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))
}

func TestWorkflowValidator_WarningsDoNotFail(t *testing.T) {
	wv := newWorkflowValidator(t, "h")
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h", Retry: &schema.RetryPolicy{MaxAttempts: 50}},
		schema.StepDefinition{ID: "b", Handler: "h", DependsOn: []string{"a"}},
	)
	def.FailurePolicy = schema.FailFast
	def.RetryFallback = schema.Continue

	result := wv.Validate(def)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 2)
	assert.NoError(t, wv.ValidateDefinition(def))
}

func TestWorkflowValidator_ErrorDetailsListIssues(t *testing.T) {
	wv := newWorkflowValidator(t)
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "missing.one"},
		schema.StepDefinition{ID: "b", Handler: "missing.two"},
	)

	err := wv.ValidateDefinition(def)
	require.Error(t, err)
	de, ok := err.(*schema.DagflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, de.Code)
	assert.Equal(t, 2, de.Details["error_count"])
}

func TestWorkflowValidator_ValidateInputDelegates(t *testing.T) {
	wv := newWorkflowValidator(t)
	inputSchema := json.RawMessage(`{"type":"object","required":["id"]}`)

	assert.NoError(t, wv.ValidateInput(map[string]any{"id": "x"}, inputSchema))
	assert.Error(t, wv.ValidateInput(map[string]any{}, inputSchema))
	assert.Same(t, wv.jsonSchema, wv.Schema())
}

func TestWorkflowValidator_ConcurrentValidate(t *testing.T) {
	wv := newWorkflowValidator(t, "h")
	def := wf(
		schema.StepDefinition{ID: "a", Handler: "h"},
		schema.StepDefinition{ID: "b", Handler: "h", DependsOn: []string{"a"}, Guard: `outputs.a.ok == true`},
	)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, wv.Validate(def).Valid())
		}()
	}
	wg.Wait()
}
