package expressions

import "context"

// Engine evaluates an expression against a data document.
// CEL backs step guards, expr backs trigger filters, jq backs payload mappings.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
