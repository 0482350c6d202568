// Package chat implements the conversation engine core: bounded context
// assembly, the stepped tool-calling loop against the generation provider,
// and the classified retry policy around it.
package chat

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/abiroot/ispbot/internal/conversation"
)

// ToolSpec describes one tool to the generation provider.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// ModelRequest is one generation step: system prompt, the turn sequence so
// far, and the declared tools.
type ModelRequest struct {
	System          string
	Turns           []conversation.Turn
	Tools           []ToolSpec
	MaxOutputTokens int
	Temperature     float32
}

// Usage is the provider-reported token accounting for one step.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ModelResponse is the provider output for one step: either freeform text,
// a batch of tool calls to execute, or both.
type ModelResponse struct {
	Text      string
	ToolCalls []conversation.ToolCall
	Usage     Usage
}

// Model is the generation provider boundary. Implementations classify
// their failures into the chat error taxonomy where they can; anything
// unclassified is classified at this package's boundary.
type Model interface {
	Generate(ctx context.Context, req *ModelRequest) (*ModelResponse, error)
}
