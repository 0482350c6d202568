package conversation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/abiroot/ispbot/internal/log"
)

// Reconstructor converts persisted message records back into the ordered
// turn sequence the generation provider consumes. Tool metadata stored on
// assistant records is re-expanded into standalone call/result turns with
// the result turn immediately following its call turn.
type Reconstructor struct {
	messages Log
	logger   log.Logger
}

// NewReconstructor creates a Reconstructor over the given message log.
func NewReconstructor(messages Log, logger log.Logger) (*Reconstructor, error) {
	if messages == nil {
		return nil, fmt.Errorf("message log is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Reconstructor{messages: messages, logger: logger}, nil
}

// Reconstruct reads the most recent maxTurns records for contextID and
// returns them as provider turns in chronological order.
//
// Records with corrupt or missing tool metadata are degraded to plain text
// turns rather than dropped; a record never fails the whole load.
func (r *Reconstructor) Reconstruct(ctx context.Context, contextID string, maxTurns int) ([]Turn, error) {
	records, err := r.messages.Recent(ctx, contextID, maxTurns)
	if err != nil {
		return nil, fmt.Errorf("load recent messages: %w", err)
	}

	turns := make([]Turn, 0, len(records))
	for i := range records {
		turns = append(turns, r.expand(&records[i])...)
	}
	return turns, nil
}

// expand converts one persisted record into one or more turns.
func (r *Reconstructor) expand(rec *Record) []Turn {
	if len(rec.ToolMeta) == 0 {
		return []Turn{{
			Role:      rec.Role,
			Text:      rec.Text,
			CreatedAt: rec.CreatedAt,
		}}
	}

	var meta toolMeta
	if err := json.Unmarshal(rec.ToolMeta, &meta); err != nil {
		r.logger.Warn("corrupt tool metadata, degrading to text turn",
			"message_id", rec.ID,
			"context_id", rec.ContextID,
			"error", err)
		return []Turn{r.degraded(rec)}
	}
	if !validMeta(meta) {
		r.logger.Warn("invalid tool metadata, degrading to text turn",
			"message_id", rec.ID,
			"context_id", rec.ContextID)
		return []Turn{r.degraded(rec)}
	}

	var turns []Turn
	if len(meta.Calls) > 0 {
		turns = append(turns, Turn{
			Role:      RoleAssistant,
			ToolCalls: meta.Calls,
			CreatedAt: rec.CreatedAt,
		})
	}
	// The result turn must immediately follow its call turn so the provider
	// sees a well-formed call/result pair on replay.
	if len(meta.Results) > 0 {
		turns = append(turns, Turn{
			Role:        RoleTool,
			ToolResults: meta.Results,
			CreatedAt:   rec.CreatedAt,
		})
	}
	if rec.Text != "" {
		turns = append(turns, Turn{
			Role:      rec.Role,
			Text:      rec.Text,
			CreatedAt: rec.CreatedAt,
		})
	}
	return turns
}

// degraded renders a record with unusable tool metadata as plain text.
func (r *Reconstructor) degraded(rec *Record) Turn {
	text := rec.Text
	if text == "" {
		text = "[tool activity unavailable]"
	}
	return Turn{
		Role:      rec.Role,
		Text:      text,
		CreatedAt: rec.CreatedAt,
	}
}

// validMeta checks the structural invariants on stored tool metadata:
// every entry is named, and every result references a call issued in the
// same record (results are persisted alongside their calls).
func validMeta(meta toolMeta) bool {
	if len(meta.Calls) == 0 {
		// Results without their originating calls would replay as an
		// orphan tool turn, so they degrade along with empty metadata.
		return false
	}
	refs := make(map[string]bool, len(meta.Calls))
	for _, c := range meta.Calls {
		if c.Name == "" {
			return false
		}
		refs[c.Ref] = true
	}
	for _, res := range meta.Results {
		if res.Name == "" {
			return false
		}
		if !refs[res.Ref] {
			return false
		}
	}
	return true
}
