package validation

import "github.com/rendis/dagflow/pkg/schema"

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (handler refs, step refs, guards, durations)
// 3. DAG (cycles, contradictory run_after hints)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	handlers   HandlerLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip handler existence checks.
func NewWorkflowValidator(lookup HandlerLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		handlers:   lookup,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and DAG stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, wv.handlers))

	// The graph is only meaningful once every reference resolves.
	if result.Valid() {
		result.Merge(validateDAG(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// Schema exposes the JSON Schema validator for callers checking handler params.
func (wv *WorkflowValidator) Schema() *JSONSchemaValidator {
	return wv.jsonSchema
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	de, ok := err.(*schema.DagflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if de.Details != nil {
		if violations, ok := de.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	path := "/"
	if de.StepID != "" {
		path = "steps." + de.StepID
	}
	result.AddError(path, schema.ErrCodeValidation, de.Message)
	return result
}
