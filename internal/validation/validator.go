package validation

import "github.com/rendis/dagflow/pkg/schema"

// Validator checks workflow definitions before they are registered, and
// documents against JSON Schemas.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// HandlerLookup reports whether a dispatcher handler is registered.
type HandlerLookup interface {
	Has(name string) bool
}
