package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/pkg/schema"
)

// DefaultParallelism bounds the fan-out of a parallel step.
const DefaultParallelism = 8

// KindRouter is the engine.Dispatcher backed by a Registry. task and decision
// steps run their handler once; parallel steps run it once per config item.
type KindRouter struct {
	handlers    *Registry
	parallelism int
	logger      *slog.Logger
}

// RouterOption configures a KindRouter.
type RouterOption func(*KindRouter)

// WithParallelism sets the maximum concurrent items of a parallel step.
func WithParallelism(n int) RouterOption {
	return func(r *KindRouter) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) RouterOption {
	return func(r *KindRouter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewKindRouter creates a router over reg.
func NewKindRouter(reg *Registry, opts ...RouterOption) *KindRouter {
	r := &KindRouter{
		handlers:    reg,
		parallelism: DefaultParallelism,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatch resolves the step's handler and executes one attempt.
func (r *KindRouter) Dispatch(ctx context.Context, req engine.DispatchRequest) (*engine.StepResult, error) {
	h, err := r.handlers.Get(req.Handler)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "handler %q not registered", req.Handler).
			WithStep(req.StepID).WithCause(err)
	}

	params, err := decodeParams(req.Config)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step config is not a JSON object").
			WithStep(req.StepID).WithCause(err)
	}

	input := Input{Params: params, Context: stepContext(req)}
	start := time.Now()

	var out *Output
	switch req.Kind {
	case "", schema.StepKindTask:
		out, err = r.execute(ctx, h, input)
	case schema.StepKindDecision:
		out, err = r.execute(ctx, h, input)
		if err == nil {
			err = requireObject(out)
		}
	case schema.StepKindParallel:
		out, err = r.fanOut(ctx, h, input)
	default:
		err = schema.NewErrorf(schema.ErrCodeInternal, "%s steps are not dispatched", req.Kind)
	}

	r.logger.DebugContext(ctx, "step dispatched",
		slog.String("handler", req.Handler),
		slog.String("kind", string(req.Kind)),
		slog.Int("attempt", req.Attempt),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	if err != nil {
		return nil, classify(ctx, req.StepID, err)
	}
	if out == nil {
		return &engine.StepResult{}, nil
	}
	return &engine.StepResult{Output: out.Data, Variables: out.Variables, Async: out.Async}, nil
}

func (r *KindRouter) execute(ctx context.Context, h Handler, input Input) (*Output, error) {
	if err := h.Validate(input.Params); err != nil {
		return nil, err
	}
	return h.Execute(ctx, input)
}

// fanOut runs h once per element of params.items with params.item and
// params.index set. The first failure cancels the remaining items.
func (r *KindRouter) fanOut(ctx context.Context, h Handler, input Input) (*Output, error) {
	items, ok := input.Params["items"].([]any)
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "parallel step requires an 'items' array")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]*Output, len(items))
	sem := make(chan struct{}, r.parallelism)
	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i, item := range items {
		params := make(map[string]any, len(input.Params)+1)
		for k, v := range input.Params {
			if k != "items" {
				params[k] = v
			}
		}
		params["item"] = item
		params["index"] = i

		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			defer func() { <-sem }()

			out, err := r.execute(ctx, h, in)
			if err == nil && out != nil && out.Async {
				err = schema.NewError(schema.ErrCodeNonRetryable, "parallel items cannot complete asynchronously")
			}
			if err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("item %d: %w", i, err)
					cancel()
				})
				return
			}
			results[i] = out
		}(i, Input{Params: params, Context: input.Context})
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data := make([]json.RawMessage, len(results))
	var vars map[string]any
	for i, out := range results {
		data[i] = json.RawMessage("null")
		if out == nil {
			continue
		}
		if len(out.Data) > 0 {
			data[i] = out.Data
		}
		for k, v := range out.Variables {
			if vars == nil {
				vars = make(map[string]any)
			}
			vars[k] = v
		}
	}
	b, err := json.Marshal(map[string]any{"results": data})
	if err != nil {
		return nil, err
	}
	return &Output{Data: b, Variables: vars}, nil
}

// requireObject enforces that decision output is a JSON object so guards can
// branch on outputs.<step>.<field>.
func requireObject(out *Output) error {
	if out == nil || out.Async {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(out.Data, &obj); err != nil || obj == nil {
		return schema.NewError(schema.ErrCodeNonRetryable, "decision output must be a JSON object")
	}
	return nil
}

// classify hands context errors through untouched and tags everything else
// with the step; untyped errors become retryable STEP_EXECUTION_ERRORs.
func classify(ctx context.Context, stepID string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", err.Error(), ctxErr)
	}
	var de *schema.DagflowError
	if errors.As(err, &de) {
		if de.StepID == "" {
			de.WithStep(stepID)
		}
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return schema.NewError(schema.ErrCodeStepExecution, err.Error()).WithStep(stepID).WithCause(err)
}

func decodeParams(config json.RawMessage) (map[string]any, error) {
	params := map[string]any{}
	if len(config) == 0 || string(config) == "null" {
		return params, nil
	}
	if err := json.Unmarshal(config, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func stepContext(req engine.DispatchRequest) map[string]any {
	vars := req.Variables
	if vars == nil {
		vars = map[string]any{}
	}
	return map[string]any{
		"run_id":                req.RunID,
		"workflow":              req.WorkflowName,
		"step_id":               req.StepID,
		"attempt":               req.Attempt,
		"actor":                 req.Actor,
		"variables":             vars,
		expressions.OutputsVar: expressions.DecodeOutputs(req.Outputs),
	}
}
