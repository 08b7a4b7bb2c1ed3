package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/pkg/schema"
)

func transformHandler(name string) Handler {
	for _, h := range TransformHandlers() {
		if h.Name() == name {
			return h
		}
	}
	panic("no handler " + name)
}

func runContext(vars map[string]any, outputs map[string]any) map[string]any {
	return map[string]any{"variables": vars, "outputs": outputs}
}

func execJSON(t *testing.T, h Handler, in Input) (map[string]any, *Output) {
	t.Helper()
	require.NoError(t, h.Validate(in.Params))
	out, err := h.Execute(context.Background(), in)
	require.NoError(t, err)
	var result map[string]any
	require.NoError(t, json.Unmarshal(out.Data, &result))
	return result, out
}

func TestExprEval(t *testing.T) {
	h := transformHandler("expr.eval")
	in := Input{
		Params: map[string]any{"expression": `limit * 2 + outputs.fetch.count`, "variable": "total"},
		Context: runContext(
			map[string]any{"limit": 10},
			map[string]any{"fetch": map[string]any{"count": 3}},
		),
	}
	result, out := execJSON(t, h, in)
	assert.Equal(t, float64(23), result["result"])
	assert.EqualValues(t, 23, out.Variables["total"])
}

func TestExprEval_ExplicitData(t *testing.T) {
	h := transformHandler("expr.eval")
	result, out := execJSON(t, h, Input{Params: map[string]any{
		"expression": `len(data.items)`,
		"data":       map[string]any{"items": []any{1, 2, 3}},
	}})
	assert.Equal(t, float64(3), result["result"])
	assert.Nil(t, out.Variables)
}

func TestExprEval_Validate(t *testing.T) {
	h := transformHandler("expr.eval")
	requireCode(t, h.Validate(map[string]any{}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"expression": "1 +"}), schema.ErrCodeValidation)
}

func TestJQTransform(t *testing.T) {
	h := transformHandler("jq.transform")
	in := Input{
		Params: map[string]any{"query": `[.outputs.fetch.items[] | select(.active) | .id]`},
		Context: runContext(nil, map[string]any{"fetch": map[string]any{"items": []any{
			map[string]any{"id": "a", "active": true},
			map[string]any{"id": "b", "active": false},
			map[string]any{"id": "c", "active": true},
		}}}),
	}
	result, _ := execJSON(t, h, in)
	assert.Equal(t, []any{"a", "c"}, result["result"])
}

func TestJQTransform_Validate(t *testing.T) {
	h := transformHandler("jq.transform")
	requireCode(t, h.Validate(map[string]any{}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"query": ".a | ]"}), schema.ErrCodeValidation)
}

func TestDecisionBranch(t *testing.T) {
	h := transformHandler("decision.branch")
	params := map[string]any{
		"cases": []any{
			map[string]any{"name": "large", "when": "amount > 1000"},
			map[string]any{"name": "medium", "when": "amount > 100"},
		},
		"default":  "small",
		"variable": "size",
	}

	tests := []struct {
		amount float64
		want   string
	}{
		{5000, "large"},
		{500, "medium"},
		{5, "small"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			result, out := execJSON(t, h, Input{Params: params, Context: runContext(map[string]any{"amount": tt.amount}, nil)})
			assert.Equal(t, tt.want, result["branch"])
			assert.Equal(t, tt.want, out.Variables["size"])
		})
	}
}

func TestDecisionBranch_NoMatchWithoutDefault(t *testing.T) {
	h := transformHandler("decision.branch")
	params := map[string]any{"cases": []any{map[string]any{"name": "yes", "when": "flag"}}}
	require.NoError(t, h.Validate(params))

	_, err := h.Execute(context.Background(), Input{Params: params, Context: runContext(map[string]any{"flag": false}, nil)})
	requireCode(t, err, schema.ErrCodeNonRetryable)
}

func TestDecisionBranch_Validate(t *testing.T) {
	h := transformHandler("decision.branch")
	requireCode(t, h.Validate(map[string]any{}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"cases": []any{"x"}}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"cases": []any{map[string]any{"name": "a"}}}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"cases": []any{map[string]any{"name": "a", "when": "x >"}}}), schema.ErrCodeValidation)
}
