package expressions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/pkg/schema"
)

func newGuards(t *testing.T) *GuardCompiler {
	t.Helper()
	c, err := NewGuardCompiler(map[string]schema.VariableType{
		"region":  schema.VarString,
		"retries": schema.VarInt,
		"ratio":   schema.VarDouble,
		"dry_run": schema.VarBool,
		"tags":    schema.VarList,
		"meta":    schema.VarMap,
	})
	require.NoError(t, err)
	return c
}

func TestGuardCompiler_RejectsUnknownIdentifier(t *testing.T) {
	c := newGuards(t)

	_, err := c.Compile(`zone == "eu"`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "zone")
}

func TestGuardCompiler_RejectsTypeMismatch(t *testing.T) {
	c := newGuards(t)

	_, err := c.Compile(`region + 1 == 2`)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = c.Compile(`retries + 1`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must evaluate to bool")
}

func TestGuardCompiler_ReservedOutputsName(t *testing.T) {
	_, err := NewGuardCompiler(map[string]schema.VariableType{"outputs": schema.VarMap})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	_, err = NewGuardCompiler(map[string]schema.VariableType{"x": "tuple"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestGuard_EvalTypedVariables(t *testing.T) {
	c := newGuards(t)
	ctx := context.Background()

	vars := map[string]any{
		"region":  "eu",
		"retries": float64(2), // JSON numbers arrive as float64
		"ratio":   1,
		"dry_run": false,
		"tags":    []any{"a", "b"},
		"meta":    map[string]any{"team": "data"},
	}

	cases := map[string]bool{
		`region == "eu"`:           true,
		`retries > 1 && ratio < 2.0`: true,
		`!dry_run`:                 true,
		`"b" in tags`:              true,
		`meta.team == "ops"`:       false,
	}
	for expr, want := range cases {
		g, err := c.Compile(expr)
		require.NoError(t, err, expr)
		got, err := g.Eval(ctx, vars, nil)
		require.NoError(t, err, expr)
		assert.Equal(t, want, got, expr)
	}
}

func TestGuard_EvalOutputs(t *testing.T) {
	c := newGuards(t)
	outputs := DecodeOutputs(map[string]json.RawMessage{
		"extract": json.RawMessage(`{"rows": 12}`),
	})

	g, err := c.Compile(`outputs.extract.rows > 10`)
	require.NoError(t, err)
	ok, err := g.Eval(context.Background(), nil, outputs)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGuard_EvalErrors(t *testing.T) {
	c := newGuards(t)
	ctx := context.Background()

	g, err := c.Compile(`region == "eu"`)
	require.NoError(t, err)

	_, err = g.Eval(ctx, map[string]any{}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeGuardEvaluation), "missing variable")

	_, err = g.Eval(ctx, map[string]any{"region": 42}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeGuardEvaluation), "wrong type")

	g, err = c.Compile(`retries == 1`)
	require.NoError(t, err)
	_, err = g.Eval(ctx, map[string]any{"retries": 1.5}, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeGuardEvaluation), "fractional int")

	g, err = c.Compile(`outputs.missing.value`)
	require.NoError(t, err)
	_, err = g.Eval(ctx, nil, nil)
	assert.True(t, schema.HasCode(err, schema.ErrCodeGuardEvaluation), "missing output")
}

func TestGuardCompiler_EvaluateAsEngine(t *testing.T) {
	var e Engine = newGuards(t)
	assert.Equal(t, "cel", e.Name())

	out, err := e.Evaluate(context.Background(), `region == "us"`, map[string]any{"region": "us"})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGuardCompiler_ConcurrentCompile(t *testing.T) {
	c := newGuards(t)
	var wg sync.WaitGroup
	guards := make([]*Guard, 16)
	for i := range guards {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := c.Compile(`retries < 3`)
			assert.NoError(t, err)
			guards[i] = g
		}(i)
	}
	wg.Wait()
	for _, g := range guards[1:] {
		assert.Same(t, guards[0], g)
	}
}
