package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/abiroot/ispbot/internal/chat"
	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/log"
)

// Model adapts Genkit generation to the engine's single-step boundary.
// Tool execution stays with the engine: requests are declared with
// WithReturnToolRequests so Genkit hands calls back instead of running
// them.
type Model struct {
	g         *genkit.Genkit
	modelName string
	toolRefs  []ai.ToolRef
	logger    log.Logger
}

// NewModel registers the engine's tool declarations with Genkit and
// returns the step adapter. The registered handlers are unreachable; they
// exist only so the provider plugin can render tool schemas.
func NewModel(client *Client, specs []chat.ToolSpec, logger log.Logger) (*Model, error) {
	if client == nil {
		return nil, errors.New("provider client is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	toolRefs := make([]ai.ToolRef, 0, len(specs))
	for _, spec := range specs {
		schema, err := toSchemaMap(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %q: convert input schema: %w", spec.Name, err)
		}
		name := spec.Name
		tool := genkit.DefineToolWithInputSchema(client.Genkit, name, spec.Description, schema,
			func(_ *ai.ToolContext, _ any) (any, error) {
				return nil, fmt.Errorf("tool %q must be executed by the conversation engine", name)
			})
		toolRefs = append(toolRefs, tool)
	}

	return &Model{
		g:         client.Genkit,
		modelName: client.modelName,
		toolRefs:  toolRefs,
		logger:    logger,
	}, nil
}

// Generate runs one generation step.
func (m *Model) Generate(ctx context.Context, req *chat.ModelRequest) (*chat.ModelResponse, error) {
	messages, err := toMessages(req.Turns)
	if err != nil {
		return nil, err
	}

	opts := []ai.GenerateOption{
		ai.WithModelName(m.modelName),
		ai.WithSystem(req.System),
		ai.WithMessages(messages...),
		ai.WithConfig(&ai.GenerationCommonConfig{
			MaxOutputTokens: req.MaxOutputTokens,
			Temperature:     float64(req.Temperature),
		}),
	}
	if len(m.toolRefs) > 0 {
		opts = append(opts,
			ai.WithTools(m.toolRefs...),
			ai.WithReturnToolRequests(true),
		)
	}

	resp, err := genkit.Generate(ctx, m.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	calls, err := toToolCalls(resp.ToolRequests())
	if err != nil {
		return nil, err
	}

	out := &chat.ModelResponse{
		Text:      resp.Text(),
		ToolCalls: calls,
	}
	if resp.Usage != nil {
		out.Usage = chat.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// toMessages maps engine turns onto Genkit's message model. Tool calls and
// results become request/response parts under their original refs so the
// provider can correlate them on replay.
func toMessages(turns []conversation.Turn) ([]*ai.Message, error) {
	messages := make([]*ai.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleUser:
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(turn.Text)))

		case conversation.RoleAssistant:
			var parts []*ai.Part
			if turn.Text != "" {
				parts = append(parts, ai.NewTextPart(turn.Text))
			}
			for _, call := range turn.ToolCalls {
				input, err := decodeJSON(call.Input)
				if err != nil {
					return nil, fmt.Errorf("tool call %q: %w", call.Name, err)
				}
				parts = append(parts, ai.NewToolRequestPart(&ai.ToolRequest{
					Name:  call.Name,
					Ref:   call.Ref,
					Input: input,
				}))
			}
			messages = append(messages, ai.NewModelMessage(parts...))

		case conversation.RoleTool:
			var parts []*ai.Part
			for _, result := range turn.ToolResults {
				output, err := decodeJSON(result.Output)
				if err != nil {
					return nil, fmt.Errorf("tool result %q: %w", result.Name, err)
				}
				parts = append(parts, ai.NewToolResponsePart(&ai.ToolResponse{
					Name:   result.Name,
					Ref:    result.Ref,
					Output: output,
				}))
			}
			messages = append(messages, ai.NewMessage(ai.RoleTool, nil, parts...))

		case conversation.RoleSystem:
			// System content travels via WithSystem, never as a turn.
			continue

		default:
			return nil, fmt.Errorf("unsupported turn role %q", turn.Role)
		}
	}
	return messages, nil
}

func toToolCalls(requests []*ai.ToolRequest) ([]conversation.ToolCall, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	calls := make([]conversation.ToolCall, 0, len(requests))
	for _, req := range requests {
		input, err := json.Marshal(req.Input)
		if err != nil {
			return nil, fmt.Errorf("tool request %q: encode input: %w", req.Name, err)
		}
		calls = append(calls, conversation.ToolCall{
			Ref:   req.Ref,
			Name:  req.Name,
			Input: input,
		})
	}
	return calls, nil
}

func decodeJSON(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}

// toSchemaMap flattens the engine's schema representation into the plain
// JSON Schema map Genkit's tool definition consumes. Both serialize to
// standard JSON Schema, so a roundtrip is lossless for the subset tools
// declare.
func toSchemaMap(schema any) (map[string]any, error) {
	if schema == nil {
		return nil, errors.New("schema is required")
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
