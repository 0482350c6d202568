// Package conversation defines the message-log data model and rebuilds
// provider-consumable turn sequences from persisted history.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role constants define valid turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	Ref   string          `json:"ref,omitempty"` // provider call reference, pairs calls with results
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// ToolResult is the outcome of one executed tool call.
type ToolResult struct {
	Ref    string          `json:"ref,omitempty"`
	Name   string          `json:"name"`
	Output json.RawMessage `json:"output,omitempty"`
}

// Turn is one logical exchange element as replayed to the generation
// provider: plain text, a batch of tool calls, or their results.
type Turn struct {
	Role        string
	Text        string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	CreatedAt   time.Time
}

// Record is a persisted message-log row. Tool activity is stored as opaque
// JSON metadata in ToolMeta and re-expanded by the Reconstructor; corrupt
// metadata degrades to a plain text turn instead of failing the load.
type Record struct {
	ID        uuid.UUID
	ContextID string
	Role      string
	Text      string
	ToolMeta  json.RawMessage // nil when the turn carried no tool activity
	Sequence  int64
	CreatedAt time.Time
}

// toolMeta is the JSON shape stored in Record.ToolMeta.
type toolMeta struct {
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// NewUserRecord builds a plain user-turn record.
func NewUserRecord(contextID, text string) *Record {
	return &Record{
		ID:        uuid.New(),
		ContextID: contextID,
		Role:      RoleUser,
		Text:      text,
	}
}

// NewAssistantRecord builds an assistant-turn record. calls and results,
// when present, are serialized into the tool metadata column so history
// reconstruction can replay the step to the provider.
func NewAssistantRecord(contextID, text string, calls []ToolCall, results []ToolResult) (*Record, error) {
	rec := &Record{
		ID:        uuid.New(),
		ContextID: contextID,
		Role:      RoleAssistant,
		Text:      text,
	}
	if len(calls) > 0 || len(results) > 0 {
		meta, err := json.Marshal(toolMeta{Calls: calls, Results: results})
		if err != nil {
			return nil, err
		}
		rec.ToolMeta = meta
	}
	return rec, nil
}
