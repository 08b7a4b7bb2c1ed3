package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/pkg/schema"
)

var _ engine.Dispatcher = (*KindRouter)(nil)

func newRouter(t *testing.T, hs ...Handler) *KindRouter {
	t.Helper()
	reg := NewRegistry()
	for _, h := range hs {
		require.NoError(t, reg.Register(h))
	}
	return NewKindRouter(reg, WithParallelism(2))
}

func fnHandler(name string, fn func(ctx context.Context, in Input) (*Output, error)) Handler {
	return &HandlerFunc{HandlerName: name, Fn: fn}
}

func request(handler string, kind schema.StepKind, config string) engine.DispatchRequest {
	req := engine.DispatchRequest{
		RunID:        "run-1",
		WorkflowName: "orders",
		StepID:       "step-1",
		Kind:         kind,
		Handler:      handler,
		Attempt:      1,
		Actor:        "local",
	}
	if config != "" {
		req.Config = json.RawMessage(config)
	}
	return req
}

func TestKindRouter_TaskPassesResultThrough(t *testing.T) {
	r := newRouter(t, &noopHandler{})

	res, err := r.Dispatch(context.Background(),
		request("noop", schema.StepKindTask, `{"output":{"n":1},"variables":{"approved":true}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, string(res.Output))
	assert.Equal(t, map[string]any{"approved": true}, res.Variables)
	assert.False(t, res.Async)
}

func TestKindRouter_HandlerSeesRunContext(t *testing.T) {
	var seen Input
	r := newRouter(t, fnHandler("capture", func(_ context.Context, in Input) (*Output, error) {
		seen = in
		return nil, nil
	}))

	req := request("capture", "", `{"k":"v"}`)
	req.Variables = map[string]any{"region": "eu"}
	req.Outputs = map[string]json.RawMessage{"fetch": json.RawMessage(`{"status":200}`)}

	res, err := r.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.NotNil(t, res)

	assert.Equal(t, "v", seen.Params["k"])
	assert.Equal(t, "run-1", seen.Context["run_id"])
	assert.Equal(t, "step-1", seen.Context["step_id"])
	assert.Equal(t, 1, seen.Context["attempt"])
	assert.Equal(t, map[string]any{"region": "eu"}, seen.Context["variables"])
	outputs := seen.Context["outputs"].(map[string]any)
	assert.Equal(t, float64(200), outputs["fetch"].(map[string]any)["status"])
}

func TestKindRouter_UnknownHandlerIsPermanent(t *testing.T) {
	r := newRouter(t)
	_, err := r.Dispatch(context.Background(), request("ghost", schema.StepKindTask, ""))
	de := requireCode(t, err, schema.ErrCodeNonRetryable)
	assert.Equal(t, "step-1", de.StepID)
	assert.False(t, de.IsRetryable())
}

func TestKindRouter_ConfigMustBeObject(t *testing.T) {
	r := newRouter(t, &noopHandler{})
	_, err := r.Dispatch(context.Background(), request("noop", schema.StepKindTask, `[1,2]`))
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestKindRouter_ValidationFailureTagsStep(t *testing.T) {
	r := newRouter(t, &sleepHandler{})
	_, err := r.Dispatch(context.Background(), request("sleep", schema.StepKindTask, `{"duration":"soon"}`))
	de := requireCode(t, err, schema.ErrCodeValidation)
	assert.Equal(t, "step-1", de.StepID)
}

func TestKindRouter_UntypedErrorsAreRetryable(t *testing.T) {
	r := newRouter(t, fnHandler("flaky", func(context.Context, Input) (*Output, error) {
		return nil, errors.New("connection reset")
	}))

	_, err := r.Dispatch(context.Background(), request("flaky", schema.StepKindTask, ""))
	de := requireCode(t, err, schema.ErrCodeStepExecution)
	assert.True(t, de.IsRetryable())
	assert.Equal(t, "step-1", de.StepID)
	assert.Contains(t, de.Message, "connection reset")
}

func TestKindRouter_CancellationSurfacesContextError(t *testing.T) {
	r := newRouter(t, &sleepHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Dispatch(ctx, request("sleep", schema.StepKindTask, `{"duration":"5s"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKindRouter_AsyncResult(t *testing.T) {
	r := newRouter(t, &awaitHandler{})
	res, err := r.Dispatch(context.Background(), request("await", schema.StepKindTask, ""))
	require.NoError(t, err)
	assert.True(t, res.Async)
}

func TestKindRouter_DecisionRequiresObjectOutput(t *testing.T) {
	r := newRouter(t, &noopHandler{})

	_, err := r.Dispatch(context.Background(), request("noop", schema.StepKindDecision, `{"output":"left"}`))
	requireCode(t, err, schema.ErrCodeNonRetryable)

	res, err := r.Dispatch(context.Background(), request("noop", schema.StepKindDecision, `{"output":{"branch":"left"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"branch":"left"}`, string(res.Output))
}

func TestKindRouter_ParallelFansOutInOrder(t *testing.T) {
	var running, peak atomic.Int32
	r := newRouter(t, fnHandler("square", func(_ context.Context, in Input) (*Output, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		v := in.Params["item"].(float64)
		assert.Equal(t, "x", in.Params["tag"])
		assert.NotContains(t, in.Params, "items")
		return &Output{
			Data:      json.RawMessage(fmt.Sprintf(`%v`, v*v)),
			Variables: map[string]any{fmt.Sprintf("item_%d", in.Params["index"]): v},
		}, nil
	}))

	res, err := r.Dispatch(context.Background(), request("square", schema.StepKindParallel, `{"items":[1,2,3,4,5],"tag":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":[1,4,9,16,25]}`, string(res.Output))
	assert.Len(t, res.Variables, 5)
	assert.Equal(t, float64(3), res.Variables["item_2"])
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestKindRouter_ParallelFirstFailureCancelsRest(t *testing.T) {
	var cancelled atomic.Int32
	r := newRouter(t, fnHandler("work", func(ctx context.Context, in Input) (*Output, error) {
		if in.Params["index"] == 0 {
			return nil, schema.NewError(schema.ErrCodeNonRetryable, "bad item")
		}
		select {
		case <-ctx.Done():
			cancelled.Add(1)
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
			return &Output{}, nil
		}
	}))

	start := time.Now()
	_, err := r.Dispatch(context.Background(), request("work", schema.StepKindParallel, `{"items":["a","b","c"]}`))
	de := requireCode(t, err, schema.ErrCodeNonRetryable)
	assert.Equal(t, "step-1", de.StepID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKindRouter_ParallelNeedsItems(t *testing.T) {
	r := newRouter(t, &noopHandler{})
	_, err := r.Dispatch(context.Background(), request("noop", schema.StepKindParallel, `{"items":"abc"}`))
	requireCode(t, err, schema.ErrCodeValidation)
}

func TestKindRouter_ParallelRejectsAsyncItems(t *testing.T) {
	r := newRouter(t, &awaitHandler{})
	_, err := r.Dispatch(context.Background(), request("await", schema.StepKindParallel, `{"items":[1]}`))
	requireCode(t, err, schema.ErrCodeNonRetryable)
}

func TestKindRouter_NonDispatchedKinds(t *testing.T) {
	r := newRouter(t, &noopHandler{})
	for _, kind := range []schema.StepKind{schema.StepKindWait, schema.StepKindSubWorkflow} {
		_, err := r.Dispatch(context.Background(), request("noop", kind, ""))
		requireCode(t, err, schema.ErrCodeInternal)
	}
}
