package dispatch

import (
	"context"
	"encoding/json"
)

// Handler is a named unit of work that task, decision and parallel steps dispatch to.
type Handler interface {
	Name() string
	Schema() HandlerSchema
	Execute(ctx context.Context, input Input) (*Output, error)
	Validate(params map[string]any) error
}

// HandlerSchema describes the params/output contract of a handler.
type HandlerSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Input is the data handed to a handler for one attempt.
// Params is the step config; Context carries run variables, upstream outputs
// and attempt metadata.
type Input struct {
	Params  map[string]any `json:"params"`
	Context map[string]any `json:"context,omitempty"`
}

// Output is a handler's result.
type Output struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"` // merged into run variables
	Async     bool            `json:"async,omitempty"`     // outcome is reported later
}

// HandlerInfo is a summary of a registered handler for listing.
type HandlerInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// HandlerFunc adapts a function into a Handler with no params validation.
type HandlerFunc struct {
	HandlerName string
	Description string
	Fn          func(ctx context.Context, input Input) (*Output, error)
}

func (h *HandlerFunc) Name() string { return h.HandlerName }

func (h *HandlerFunc) Schema() HandlerSchema {
	return HandlerSchema{Description: h.Description}
}

func (h *HandlerFunc) Validate(map[string]any) error { return nil }

func (h *HandlerFunc) Execute(ctx context.Context, input Input) (*Output, error) {
	return h.Fn(ctx, input)
}
