package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

// AssertHandlers returns the assertion handlers. A failed assertion is a
// NON_RETRYABLE_ERROR: the same inputs fail the same way on every attempt.
func AssertHandlers(validator *validation.JSONSchemaValidator) []Handler {
	return []Handler{
		&assertEqualsHandler{},
		&assertContainsHandler{},
		&assertMatchesHandler{},
		&assertSchemaHandler{validator: validator},
	}
}

// normalizeJSON converts Go numeric types to float64 so reflect.DeepEqual
// agrees with values that came through encoding/json.
func normalizeJSON(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

var passOutput = json.RawMessage(`{"pass":true}`)

func assertionFailed(msg string, details map[string]any) error {
	return schema.NewError(schema.ErrCodeNonRetryable, msg).WithDetails(details)
}

func requireParams(name string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "%s requires '%s' parameter", name, k)
		}
	}
	return nil
}

// --- assert.equals ---

type assertEqualsHandler struct{}

func (h *assertEqualsHandler) Name() string { return "assert.equals" }

func (h *assertEqualsHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Assert that two values are deeply equal"}
}

func (h *assertEqualsHandler) Validate(params map[string]any) error {
	return requireParams(h.Name(), params, "expected", "actual")
}

func (h *assertEqualsHandler) Execute(_ context.Context, input Input) (*Output, error) {
	expected, actual := input.Params["expected"], input.Params["actual"]
	if reflect.DeepEqual(normalizeJSON(expected), normalizeJSON(actual)) {
		return &Output{Data: passOutput}, nil
	}
	return nil, assertionFailed(messageParam(input.Params, "assertion failed: values are not equal"),
		map[string]any{"expected": expected, "actual": actual})
}

// --- assert.contains ---

type assertContainsHandler struct{}

func (h *assertContainsHandler) Name() string { return "assert.contains" }

func (h *assertContainsHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Assert that a string or array contains a value"}
}

func (h *assertContainsHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Name(), params, "haystack", "needle"); err != nil {
		return err
	}
	switch params["haystack"].(type) {
	case string, []any:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"assert.contains: haystack must be string or array, got %T", params["haystack"])
}

func (h *assertContainsHandler) Execute(_ context.Context, input Input) (*Output, error) {
	haystack, needle := input.Params["haystack"], input.Params["needle"]

	found := false
	switch hs := haystack.(type) {
	case string:
		found = strings.Contains(hs, fmt.Sprintf("%v", needle))
	case []any:
		n := normalizeJSON(needle)
		for _, item := range hs {
			if reflect.DeepEqual(normalizeJSON(item), n) {
				found = true
				break
			}
		}
	}
	if found {
		return &Output{Data: passOutput}, nil
	}
	return nil, assertionFailed(messageParam(input.Params, "assertion failed: value not found"),
		map[string]any{"haystack": haystack, "needle": needle})
}

// --- assert.matches ---

type assertMatchesHandler struct{}

func (h *assertMatchesHandler) Name() string { return "assert.matches" }

func (h *assertMatchesHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Assert that a string matches a regular expression"}
}

func (h *assertMatchesHandler) Validate(params map[string]any) error {
	if _, ok := params["value"].(string); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'value' string parameter")
	}
	pattern, ok := params["pattern"].(string)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.matches requires 'pattern' string parameter")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid regex pattern: %s", err)
	}
	return nil
}

func (h *assertMatchesHandler) Execute(_ context.Context, input Input) (*Output, error) {
	value := stringParam(input.Params, "value", "")
	pattern := stringParam(input.Params, "pattern", "")
	re := regexp.MustCompile(pattern)

	match := re.FindString(value)
	if match == "" && !re.MatchString(value) {
		return nil, assertionFailed(messageParam(input.Params, "assertion failed: value does not match pattern"),
			map[string]any{"value": value, "pattern": pattern})
	}
	return marshalOutput(h.Name(), map[string]any{"pass": true, "matches": match})
}

// --- assert.schema ---

type assertSchemaHandler struct {
	validator *validation.JSONSchemaValidator
}

func (h *assertSchemaHandler) Name() string { return "assert.schema" }

func (h *assertSchemaHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Assert that data conforms to a JSON Schema"}
}

func (h *assertSchemaHandler) Validate(params map[string]any) error {
	if err := requireParams(h.Name(), params, "data", "schema"); err != nil {
		return err
	}
	if _, ok := params["data"].(map[string]any); !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema: data must be an object")
	}
	return nil
}

func (h *assertSchemaHandler) Execute(_ context.Context, input Input) (*Output, error) {
	data := input.Params["data"].(map[string]any)
	schemaBytes, err := json.Marshal(input.Params["schema"])
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: serialize schema: %s", err)
	}

	if err := h.validator.ValidateInput(data, schemaBytes); err != nil {
		details := map[string]any{"error": err.Error()}
		var de *schema.DagflowError
		if errors.As(err, &de) && de.Details != nil {
			details["violations"] = de.Details["violations"]
		}
		return nil, assertionFailed(messageParam(input.Params, "assertion failed: data does not match schema"), details)
	}
	return &Output{Data: passOutput}, nil
}
