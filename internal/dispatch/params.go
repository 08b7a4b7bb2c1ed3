package dispatch

import (
	"encoding/json"

	"github.com/rendis/dagflow/pkg/schema"
)

// Param helpers shared by the builtin handlers. Values arrive from decoded JSON,
// so numbers are float64 unless a caller passed Go values directly.

func stringParam(m map[string]any, key, defaultVal string) string {
	s, ok := m[key].(string)
	if !ok {
		return defaultVal
	}
	return s
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	b, ok := m[key].(bool)
	if !ok {
		return defaultVal
	}
	return b
}

func intParam(m map[string]any, key string, defaultVal int) int {
	v, ok := m[key]
	if !ok {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return defaultVal
		}
		return int(i)
	default:
		return defaultVal
	}
}

func messageParam(m map[string]any, defaultVal string) string {
	if msg := stringParam(m, "message", ""); msg != "" {
		return msg
	}
	return defaultVal
}

func marshalOutput(name string, v any) (*Output, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "%s: marshal output: %v", name, err)
	}
	return &Output{Data: b}, nil
}
