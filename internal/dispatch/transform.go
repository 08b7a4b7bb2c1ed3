package dispatch

import (
	"context"

	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/pkg/schema"
)

// TransformHandlers returns the expression handlers: expr.eval, jq.transform
// and decision.branch.
func TransformHandlers() []Handler {
	exprEngine := expressions.NewExprEngine()
	return []Handler{
		&exprEvalHandler{engine: exprEngine},
		&jqTransformHandler{engine: expressions.NewGoJQEngine()},
		&decisionBranchHandler{engine: exprEngine},
	}
}

// scope exposes run variables at the top level next to outputs, plus explicit data.
func scope(input Input) map[string]any {
	s := make(map[string]any)
	if vars, ok := input.Context["variables"].(map[string]any); ok {
		for k, v := range vars {
			s[k] = v
		}
	}
	if outputs, ok := input.Context[expressions.OutputsVar]; ok {
		s[expressions.OutputsVar] = outputs
	}
	if data, ok := input.Params["data"]; ok {
		s["data"] = data
	}
	return s
}

// --- expr.eval ---

type exprEvalHandler struct {
	engine *expressions.ExprEngine
}

func (h *exprEvalHandler) Name() string { return "expr.eval" }

func (h *exprEvalHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Evaluate an expr-lang expression over run variables, outputs and data"}
}

func (h *exprEvalHandler) Validate(params map[string]any) error {
	expr := stringParam(params, "expression", "")
	if expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval requires non-empty 'expression' string parameter")
	}
	return h.engine.Check(expr)
}

func (h *exprEvalHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	result, err := h.engine.Evaluate(ctx, stringParam(input.Params, "expression", ""), scope(input))
	if err != nil {
		return nil, err
	}
	out, err := marshalOutput(h.Name(), map[string]any{"result": result})
	if err != nil {
		return nil, err
	}
	if name := stringParam(input.Params, "variable", ""); name != "" {
		out.Variables = map[string]any{name: result}
	}
	return out, nil
}

// --- jq.transform ---

type jqTransformHandler struct {
	engine *expressions.GoJQEngine
}

func (h *jqTransformHandler) Name() string { return "jq.transform" }

func (h *jqTransformHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Reshape data, variables and outputs with a jq query"}
}

func (h *jqTransformHandler) Validate(params map[string]any) error {
	query := stringParam(params, "query", "")
	if query == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform requires non-empty 'query' string parameter")
	}
	return h.engine.Check(query)
}

func (h *jqTransformHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	result, err := h.engine.Evaluate(ctx, stringParam(input.Params, "query", ""), scope(input))
	if err != nil {
		return nil, err
	}
	return marshalOutput(h.Name(), map[string]any{"result": result})
}

// --- decision.branch ---

// decisionBranchHandler picks the first case whose condition holds and
// reports it as {"branch": name}; guards downstream test outputs.<id>.branch.
type decisionBranchHandler struct {
	engine *expressions.ExprEngine
}

func (h *decisionBranchHandler) Name() string { return "decision.branch" }

func (h *decisionBranchHandler) Schema() HandlerSchema {
	return HandlerSchema{Description: "Choose a branch from ordered {name, when} cases; falls back to 'default'"}
}

func (h *decisionBranchHandler) Validate(params map[string]any) error {
	cases, ok := params["cases"].([]any)
	if !ok || len(cases) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "decision.branch requires a non-empty 'cases' array")
	}
	for i, raw := range cases {
		c, ok := raw.(map[string]any)
		if !ok || stringParam(c, "name", "") == "" || stringParam(c, "when", "") == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision.branch: cases[%d] needs 'name' and 'when'", i)
		}
		if err := h.engine.Check(stringParam(c, "when", "")); err != nil {
			return err
		}
	}
	return nil
}

func (h *decisionBranchHandler) Execute(ctx context.Context, input Input) (*Output, error) {
	data := scope(input)
	branch := stringParam(input.Params, "default", "")
	for i, raw := range input.Params["cases"].([]any) {
		c := raw.(map[string]any)
		ok, err := h.engine.Match(ctx, stringParam(c, "when", ""), data)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "decision.branch: cases[%d]: %v", i, err).WithCause(err)
		}
		if ok {
			branch = stringParam(c, "name", "")
			break
		}
	}
	if branch == "" {
		return nil, schema.NewError(schema.ErrCodeNonRetryable, "decision.branch: no case matched and no default")
	}
	out, err := marshalOutput(h.Name(), map[string]any{"branch": branch})
	if err != nil {
		return nil, err
	}
	if name := stringParam(input.Params, "variable", ""); name != "" {
		out.Variables = map[string]any{name: branch}
	}
	return out, nil
}

