package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

func TestRegisterBuiltins(t *testing.T) {
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, v, HTTPConfig{}))

	for _, name := range []string{
		"http.request", "http.get", "http.post",
		"expr.eval", "jq.transform", "decision.branch",
		"assert.equals", "assert.contains", "assert.matches", "assert.schema",
		"digest.hash", "digest.hmac", "id.new",
		"noop", "sleep", "await",
	} {
		assert.True(t, reg.Has(name), name)
	}
	assert.Equal(t, 16, reg.Count())

	requireCode(t, RegisterBuiltins(reg, v, HTTPConfig{}), schema.ErrCodeConflict)
}

func TestRegistry_SatisfiesHandlerLookup(t *testing.T) {
	var _ validation.HandlerLookup = NewRegistry()
}

func TestNoop(t *testing.T) {
	h := &noopHandler{}
	out, err := h.Execute(context.Background(), Input{Params: map[string]any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(out.Data))

	requireCode(t, h.Validate(map[string]any{"variables": "x"}), schema.ErrCodeValidation)
}

func TestSleep(t *testing.T) {
	h := &sleepHandler{}
	requireCode(t, h.Validate(map[string]any{}), schema.ErrCodeValidation)
	requireCode(t, h.Validate(map[string]any{"duration": "-1s"}), schema.ErrCodeValidation)

	out, err := h.Execute(context.Background(), Input{Params: map[string]any{"duration": "1ms"}})
	require.NoError(t, err)
	assert.NotNil(t, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err = h.Execute(ctx, Input{Params: map[string]any{"duration": "10s"}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}
