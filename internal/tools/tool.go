package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

// ErrInvalidInput indicates tool input failed schema validation or could
// not be decoded. The orchestrator classifies it as a fatal caller error,
// never retried.
var ErrInvalidInput = errors.New("invalid tool input")

// Tool is one executable tool: metadata for the model plus the validated
// execution path. Inputs are validated against the declared JSON schema
// before the handler runs.
type Tool struct {
	name        string
	description string
	schema      *jsonschema.Schema
	resolved    *jsonschema.Resolved

	// handler is the type-erased execution function.
	handler func(ctx context.Context, input json.RawMessage) (Result, error)
}

// Name returns the tool's unique identifier.
func (t *Tool) Name() string { return t.name }

// Description returns the tool's functionality description. The model uses
// it to decide when to call the tool.
func (t *Tool) Description() string { return t.description }

// InputSchema returns the declared input schema.
func (t *Tool) InputSchema() *jsonschema.Schema { return t.schema }

// Execute validates input against the schema and runs the handler.
// Validation failures wrap ErrInvalidInput.
func (t *Tool) Execute(ctx context.Context, input json.RawMessage) (Result, error) {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	var instance any
	if err := json.Unmarshal(input, &instance); err != nil {
		return Result{}, fmt.Errorf("%w: not valid JSON: %v", ErrInvalidInput, err)
	}
	if err := t.resolved.Validate(instance); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	return t.handler(ctx, input)
}

// New creates a tool with type-safe input handling. The input schema is
// inferred from In at construction; type erasure keeps heterogeneous tools
// storable in one registry.
func New[In any](name, description string, handler func(ctx context.Context, input In) (Result, error)) (*Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q: handler is required", name)
	}

	schema, err := jsonschema.For[In](nil)
	if err != nil {
		return nil, fmt.Errorf("tool %q: infer input schema: %w", name, err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("tool %q: resolve input schema: %w", name, err)
	}

	erased := func(ctx context.Context, raw json.RawMessage) (Result, error) {
		var typed In
		if err := json.Unmarshal(raw, &typed); err != nil {
			return Result{}, fmt.Errorf("%w: decode into %T: %v", ErrInvalidInput, typed, err)
		}
		return handler(ctx, typed)
	}

	return &Tool{
		name:        name,
		description: description,
		schema:      schema,
		resolved:    resolved,
		handler:     erased,
	}, nil
}
