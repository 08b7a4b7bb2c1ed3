package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/dagflow/internal/validation"
	"github.com/rendis/dagflow/pkg/schema"
)

// RegisterBuiltins registers every built-in handler in reg.
func RegisterBuiltins(reg *Registry, validator *validation.JSONSchemaValidator, httpCfg HTTPConfig) error {
	all := make([]Handler, 0, 16)
	all = append(all, HTTPHandlers(httpCfg)...)
	all = append(all, TransformHandlers()...)
	all = append(all, AssertHandlers(validator)...)
	all = append(all, DigestHandlers()...)
	all = append(all, &noopHandler{}, &sleepHandler{}, &awaitHandler{})

	for _, h := range all {
		if err := reg.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// noopHandler echoes params.output (or {}) and params.variables.
type noopHandler struct{}

func (h *noopHandler) Name() string { return "noop" }

func (h *noopHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Complete immediately, echoing 'output' and setting 'variables'"}
}

func (h *noopHandler) Validate(params map[string]any) error {
	if v, ok := params["variables"]; ok {
		if _, isMap := v.(map[string]any); !isMap {
			return schema.NewError(schema.ErrCodeValidation, "noop: 'variables' must be an object")
		}
	}
	return nil
}

func (h *noopHandler) Execute(_ context.Context, input Input) (*Output, error) {
	out := &Output{Data: json.RawMessage(`{}`)}
	if v, ok := input.Params["output"]; ok {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "noop: marshal output: %v", err)
		}
		out.Data = b
	}
	if vars, ok := input.Params["variables"].(map[string]any); ok {
		out.Variables = vars
	}
	return out, nil
}

// sleepHandler waits for params.duration or until the attempt is cancelled.
type sleepHandler struct{}

func (h *sleepHandler) Name() string { return "sleep" }

func (h *sleepHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Wait for 'duration' (Go duration string), honouring cancellation"}
}

func (h *sleepHandler) Validate(params map[string]any) error {
	d, err := time.ParseDuration(stringParam(params, "duration", ""))
	if err != nil || d < 0 {
		return schema.NewError(schema.ErrCodeValidation, "sleep requires a non-negative 'duration'")
	}
	return nil
}

func (h *sleepHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	d, _ := time.ParseDuration(stringParam(input.Params, "duration", ""))
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return &Output{Data: json.RawMessage(`{}`)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// awaitHandler accepts the attempt and leaves completion to an external
// ReportOutcome call, e.g. a callback from the system the step hands off to.
type awaitHandler struct{}

func (h *awaitHandler) Name() string { return "await" }

func (h *awaitHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Hand the step off; its outcome is reported asynchronously"}
}

func (h *awaitHandler) Validate(map[string]any) error { return nil }

func (h *awaitHandler) Execute(context.Context, Input) (*Output, error) {
	return &Output{Async: true}, nil
}
