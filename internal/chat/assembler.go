package chat

import (
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/profile"
)

// nearLimitThreshold is the context-window usage fraction at which the
// assembled request is flagged as near exhaustion.
const nearLimitThreshold = 0.8

// TokenBudget reports the approximate token accounting of an assembled
// request against the model's context window. The assembler only flags;
// truncation policy belongs to the caller.
type TokenBudget struct {
	ContextWindow int
	Estimated     int
	UsagePercent  float64
	NearLimit     bool
}

// Assembled is a bounded generation request: system prompt (identity,
// tool descriptions, formatting rules, retrieved grounding), reconstructed
// history, and the current user turn.
type Assembled struct {
	System string
	Turns  []conversation.Turn
	Budget TokenBudget
}

// Assembler composes bounded requests.
type Assembler struct {
	identity      string
	contextWindow int
}

// NewAssembler creates an Assembler. identity is the base system prompt;
// contextWindow is the model's combined token limit per request.
func NewAssembler(identity string, contextWindow int) (*Assembler, error) {
	if identity == "" {
		return nil, fmt.Errorf("system identity is required")
	}
	if contextWindow <= 0 {
		return nil, fmt.Errorf("context window must be positive, got %d", contextWindow)
	}
	return &Assembler{identity: identity, contextWindow: contextWindow}, nil
}

// Assemble builds the ordered request: system prompt first, then history,
// then the current user turn. RAG chunks, when present, are appended to
// the system prompt as additional grounding context.
func (a *Assembler) Assemble(prof *profile.Profile, specs []ToolSpec, chunks []knowledge.Scored, history []conversation.Turn, current string) Assembled {
	var sb strings.Builder
	sb.WriteString(a.identity)

	if prof != nil {
		sb.WriteString("\n\n## User\n")
		if prof.Name != "" {
			fmt.Fprintf(&sb, "The user's name is %s. ", prof.Name)
		}
		if prof.Timezone != "" {
			fmt.Fprintf(&sb, "Their timezone is %s. ", prof.Timezone)
		}
		if prof.Language != "" {
			fmt.Fprintf(&sb, "Answer in %s.", prof.Language)
		}
	}

	if len(specs) > 0 {
		sb.WriteString("\n\n## Available tools\n")
		for _, spec := range specs {
			fmt.Fprintf(&sb, "- %s: %s\n", spec.Name, spec.Description)
		}
	}

	sb.WriteString("\n## Formatting\n")
	sb.WriteString("Keep answers short and concrete. Never invent account data; use tools for anything account-specific.\n")

	if len(chunks) > 0 {
		sb.WriteString("\n## Relevant context\n")
		for _, chunk := range chunks {
			fmt.Fprintf(&sb, "- %s\n", chunk.Content)
		}
	}

	turns := make([]conversation.Turn, 0, len(history)+1)
	turns = append(turns, history...)
	turns = append(turns, conversation.Turn{
		Role: conversation.RoleUser,
		Text: current,
	})

	system := sb.String()
	estimated := estimateTokens(system) + estimateTurnsTokens(turns)
	usage := float64(estimated) / float64(a.contextWindow)

	return Assembled{
		System: system,
		Turns:  turns,
		Budget: TokenBudget{
			ContextWindow: a.contextWindow,
			Estimated:     estimated,
			UsagePercent:  usage,
			NearLimit:     usage >= nearLimitThreshold,
		},
	}
}

// estimateTokens provides a rough token count. Rune count divided by 2 is
// a conservative estimate that works for both English (~4 chars/token)
// and Arabic/CJK (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// estimateTurnsTokens estimates total tokens across turns, counting tool
// payloads as text.
func estimateTurnsTokens(turns []conversation.Turn) int {
	total := 0
	for _, turn := range turns {
		total += estimateTokens(turn.Text)
		for _, call := range turn.ToolCalls {
			total += estimateTokens(call.Name) + estimateTokens(string(call.Input))
		}
		for _, res := range turn.ToolResults {
			total += estimateTokens(res.Name) + estimateTokens(string(res.Output))
		}
	}
	return total
}

// truncateHistory drops oldest turns until the history fits the budget,
// keeping the most recent turns. The returned slice never starts with a
// dangling tool turn: a result whose call turn was cut (or a call whose
// result was cut) would be rejected by providers on replay.
func truncateHistory(turns []conversation.Turn, budget int) []conversation.Turn {
	if len(turns) == 0 || estimateTurnsTokens(turns) <= budget {
		return turns
	}

	kept := make([]conversation.Turn, 0, len(turns))
	remaining := budget
	for i := len(turns) - 1; i >= 0; i-- {
		cost := estimateTurnsTokens(turns[i : i+1])
		if remaining < cost {
			break
		}
		kept = append(kept, turns[i])
		remaining -= cost
	}
	slices.Reverse(kept)

	// Trim any leading tool-call/result turns left without their pair.
	for len(kept) > 0 && (len(kept[0].ToolResults) > 0 || len(kept[0].ToolCalls) > 0) {
		kept = kept[1:]
	}
	return kept
}
