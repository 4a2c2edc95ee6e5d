// Package tool defines the contract for in-process tools: schema-described
// callables invocable without a network round trip. Networked tools expose
// the same shape through the protocol client instead.
package tool

import (
	"context"

	"github.com/keldan/steward/pkg/errmodel"
)

// Spec declares the static interface of one tool capability.
// InputSchema and OutputSchema are JSON Schemas (draft 2020-12) in UTF-8 bytes.
type Spec struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	InputSchema  []byte `json:"input_schema"`
	OutputSchema []byte `json:"output_schema,omitempty"`
}

// Tool is a callable unit with schema-validated inputs and outputs.
type Tool interface {
	// Describe returns the public spec.
	Describe() Spec
	// Invoke executes the tool. The args MUST conform to InputSchema and the
	// returned map MUST conform to OutputSchema.
	Invoke(ctx context.Context, args map[string]any) (map[string]any, error)
}

// SafeInvoke validates args against the tool's input schema, invokes it, and
// validates the output. Schema violations surface as validation errors, never
// as truncated or partial results.
func SafeInvoke(ctx context.Context, t Tool, args map[string]any, validate ValidateFunc) (map[string]any, error) {
	if t == nil {
		return nil, errmodel.Validation("bad_tool", "tool is nil", nil)
	}
	s := t.Describe()
	if err := validate(s.InputSchema, args); err != nil {
		return nil, errmodel.Validation("invalid_input", "tool input validation failed", map[string]any{"tool": s.Name, "error": err.Error()})
	}
	out, err := t.Invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := validate(s.OutputSchema, out); err != nil {
		return nil, errmodel.Validation("invalid_output", "tool output validation failed", map[string]any{"tool": s.Name, "error": err.Error()})
	}
	return out, nil
}
