// Package tools provides the tool abstraction the orchestrator executes:
// schema-validated inputs, owner-scoped execution context, and tagged
// result variants.
package tools

// Result kinds. A tool author decides the variant once; the orchestrator
// matches on Kind instead of sniffing ad hoc result fields.
const (
	// KindStructured carries data for the model to reason over.
	KindStructured = "structured"

	// KindText carries a literal reply that supersedes the model's own
	// freeform commentary.
	KindText = "text"

	// KindMultiText carries an ordered batch of literal replies for
	// multi-message delivery; the first is the primary reply.
	KindMultiText = "multi_text"
)

// Result is the tagged outcome of a tool execution.
type Result struct {
	Kind     string   `json:"kind"`
	Text     string   `json:"text,omitempty"`
	Messages []string `json:"messages,omitempty"`
	Data     any      `json:"data,omitempty"`
}

// Structured wraps data the model should incorporate into its own answer.
func Structured(data any) Result {
	return Result{Kind: KindStructured, Data: data}
}

// Text wraps a single literal reply.
func Text(text string) Result {
	return Result{Kind: KindText, Text: text}
}

// MultiText wraps an ordered batch of literal replies.
func MultiText(messages ...string) Result {
	return Result{Kind: KindMultiText, Messages: messages}
}

// Literal returns the literal reply texts carried by this result, or nil
// for structured results.
func (r Result) Literal() []string {
	switch r.Kind {
	case KindText:
		if r.Text == "" {
			return nil
		}
		return []string{r.Text}
	case KindMultiText:
		return r.Messages
	default:
		return nil
	}
}
