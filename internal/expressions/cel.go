package expressions

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/dagflow/pkg/schema"
)

// OutputsVar is the CEL variable holding completed step outputs keyed by step ID.
const OutputsVar = "outputs"

// GuardCompiler compiles step guards against a workflow's declared variables.
// Identifiers that are not declared are rejected at compile time, so a guard
// that compiles can only fail at evaluation on missing values or type mismatches.
// Thread-safe: compiled guards are cached per expression.
type GuardCompiler struct {
	env   *cel.Env
	types map[string]schema.VariableType

	mu    sync.RWMutex
	cache map[string]*Guard
}

// Guard is a compiled boolean step guard.
type Guard struct {
	expression string
	program    cel.Program
	types      map[string]schema.VariableType
}

// NewGuardCompiler creates a CEL environment with one typed variable per declared
// workflow variable plus the outputs map.
func NewGuardCompiler(vars map[string]schema.VariableType) (*GuardCompiler, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names)+1)
	for _, name := range names {
		if name == OutputsVar {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "variable name %q is reserved", OutputsVar)
		}
		t, err := celType(vars[name])
		if err != nil {
			return nil, err
		}
		opts = append(opts, cel.Variable(name, t))
	}
	opts = append(opts, cel.Variable(OutputsVar, cel.MapType(cel.StringType, cel.DynType)))

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	types := make(map[string]schema.VariableType, len(vars))
	for k, v := range vars {
		types[k] = v
	}
	return &GuardCompiler{env: env, types: types, cache: make(map[string]*Guard)}, nil
}

func celType(t schema.VariableType) (*cel.Type, error) {
	switch t {
	case schema.VarString:
		return cel.StringType, nil
	case schema.VarInt:
		return cel.IntType, nil
	case schema.VarDouble:
		return cel.DoubleType, nil
	case schema.VarBool:
		return cel.BoolType, nil
	case schema.VarList:
		return cel.ListType(cel.DynType), nil
	case schema.VarMap:
		return cel.MapType(cel.StringType, cel.DynType), nil
	case schema.VarAny, "":
		return cel.DynType, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown variable type %q", t)
}

// Name returns the engine identifier.
func (c *GuardCompiler) Name() string { return "cel" }

// Compile returns the cached guard for expression, compiling it on first use.
// The expression must type-check to bool.
func (c *GuardCompiler) Compile(expression string) (*Guard, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty guard expression")
	}

	c.mu.RLock()
	if g, ok := c.cache[expression]; ok {
		c.mu.RUnlock()
		return g, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if g, ok := c.cache[expression]; ok {
		return g, nil
	}

	ast, issues := c.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard %q must evaluate to bool, got %s", expression, ast.OutputType()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := c.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"guard program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	g := &Guard{expression: expression, program: prg, types: c.types}
	c.cache[expression] = g
	return g, nil
}

// Evaluate satisfies Engine. data holds variables plus an optional "outputs" map.
func (c *GuardCompiler) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	g, err := c.Compile(expression)
	if err != nil {
		return nil, err
	}
	outputs, _ := data[OutputsVar].(map[string]any)
	return g.Eval(ctx, data, outputs)
}

// Expression returns the guard source.
func (g *Guard) Expression() string { return g.expression }

// Eval evaluates the guard. Variable values are coerced to their declared types;
// a missing variable or a non-bool result is a GUARD_EVALUATION_ERROR.
func (g *Guard) Eval(ctx context.Context, vars map[string]any, outputs map[string]any) (bool, error) {
	activation := make(map[string]any, len(g.types)+1)
	for name, t := range g.types {
		v, ok := vars[name]
		if !ok {
			continue
		}
		cv, err := coerce(t, v)
		if err != nil {
			return false, guardError(g.expression, err)
		}
		activation[name] = cv
	}
	if outputs == nil {
		outputs = map[string]any{}
	}
	activation[OutputsVar] = outputs

	out, _, err := g.program.ContextEval(ctx, activation)
	if err != nil {
		return false, guardError(g.expression, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, guardError(g.expression, fmt.Errorf("result is %T, not bool", out.Value()))
	}
	return b, nil
}

func guardError(expression string, err error) *schema.DagflowError {
	return schema.NewErrorf(schema.ErrCodeGuardEvaluation,
		"guard %q failed: %s", expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}

// coerce converts JSON-decoded values into the representation CEL expects for t.
func coerce(t schema.VariableType, v any) (any, error) {
	switch t {
	case schema.VarInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("value %v is not an int", n)
			}
			return int64(n), nil
		case json.Number:
			return n.Int64()
		}
		return nil, fmt.Errorf("value %v (%T) is not an int", v, v)
	case schema.VarDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			return n.Float64()
		}
		return nil, fmt.Errorf("value %v (%T) is not a double", v, v)
	case schema.VarString:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a string", v, v)
	case schema.VarBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("value %v (%T) is not a bool", v, v)
	}
	return v, nil
}

// DecodeOutputs turns raw step outputs into values a guard can index.
func DecodeOutputs(raw map[string]json.RawMessage) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		var decoded any
		if err := json.Unmarshal(v, &decoded); err != nil {
			decoded = string(v)
		}
		out[k] = decoded
	}
	return out
}

var _ Engine = (*GuardCompiler)(nil)
