package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

func assertHandler(t *testing.T, name string) Handler {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	for _, h := range AssertHandlers(v) {
		if h.Name() == name {
			return h
		}
	}
	t.Fatalf("no handler %s", name)
	return nil
}

func runAssert(t *testing.T, h Handler, params map[string]any) error {
	t.Helper()
	if err := h.Validate(params); err != nil {
		return err
	}
	_, err := h.Execute(context.Background(), Input{Params: params})
	return err
}

func TestAssertEquals(t *testing.T) {
	h := assertHandler(t, "assert.equals")

	assert.NoError(t, runAssert(t, h, map[string]any{"expected": 3, "actual": float64(3)}))
	assert.NoError(t, runAssert(t, h, map[string]any{
		"expected": map[string]any{"a": []any{1, 2}},
		"actual":   map[string]any{"a": []any{float64(1), float64(2)}},
	}))

	err := runAssert(t, h, map[string]any{"expected": "a", "actual": "b", "message": "status mismatch"})
	de := requireCode(t, err, schema.ErrCodeNonRetryable)
	assert.Equal(t, "status mismatch", de.Message)
	assert.Equal(t, "a", de.Details["expected"])

	requireCode(t, runAssert(t, h, map[string]any{"expected": 1}), schema.ErrCodeValidation)
}

func TestAssertContains(t *testing.T) {
	h := assertHandler(t, "assert.contains")

	assert.NoError(t, runAssert(t, h, map[string]any{"haystack": "hello world", "needle": "world"}))
	assert.NoError(t, runAssert(t, h, map[string]any{"haystack": []any{float64(1), "x"}, "needle": 1}))
	requireCode(t, runAssert(t, h, map[string]any{"haystack": []any{"x"}, "needle": "y"}), schema.ErrCodeNonRetryable)
	requireCode(t, runAssert(t, h, map[string]any{"haystack": 42, "needle": 4}), schema.ErrCodeValidation)
}

func TestAssertMatches(t *testing.T) {
	h := assertHandler(t, "assert.matches")

	assert.NoError(t, runAssert(t, h, map[string]any{"value": "order-123", "pattern": `^order-\d+$`}))
	requireCode(t, runAssert(t, h, map[string]any{"value": "refund-1", "pattern": `^order-`}), schema.ErrCodeNonRetryable)
	requireCode(t, runAssert(t, h, map[string]any{"value": "x", "pattern": `(`}), schema.ErrCodeValidation)
	requireCode(t, runAssert(t, h, map[string]any{"value": 1, "pattern": "x"}), schema.ErrCodeValidation)
}

func TestAssertSchema(t *testing.T) {
	h := assertHandler(t, "assert.schema")
	sch := map[string]any{
		"type":     "object",
		"required": []any{"id"},
		"properties": map[string]any{
			"id": map[string]any{"type": "string"},
		},
	}

	assert.NoError(t, runAssert(t, h, map[string]any{"data": map[string]any{"id": "x"}, "schema": sch}))

	err := runAssert(t, h, map[string]any{"data": map[string]any{"id": 5}, "schema": sch})
	de := requireCode(t, err, schema.ErrCodeNonRetryable)
	assert.NotNil(t, de.Details["violations"])

	requireCode(t, runAssert(t, h, map[string]any{"data": "x", "schema": sch}), schema.ErrCodeValidation)
	requireCode(t, runAssert(t, h, map[string]any{"data": map[string]any{}}), schema.ErrCodeValidation)
}
