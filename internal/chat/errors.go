package chat

import (
	"errors"
	"fmt"
	"strings"

	"github.com/abiroot/ispbot/internal/tools"
)

// Kind is the closed discriminant of the chat error taxonomy. Transports
// map a Kind's Code to a user-facing message without re-deriving
// classification logic.
type Kind int

const (
	// KindUnknown is the catch-all for unclassified failures. Never retried.
	KindUnknown Kind = iota

	// KindUpstreamCall is a transient generation-boundary failure
	// (HTTP 5xx, 429, network flaps). Retried with backoff.
	KindUpstreamCall

	// KindNoSuchTool means the model requested a tool that is not
	// registered. Fatal configuration error.
	KindNoSuchTool

	// KindInvalidToolInput means tool input failed schema validation.
	// Fatal; the tool author's schema is the contract.
	KindInvalidToolInput

	// KindTypeValidation means structured output failed type validation.
	KindTypeValidation

	// KindInvalidArgument means the generation call itself was malformed.
	// A programming or configuration error.
	KindInvalidArgument

	// KindNoContent means the provider produced no usable content.
	// Transient; retried.
	KindNoContent

	// KindRetryExhausted is terminal: all retry attempts failed. Wraps the
	// last underlying error.
	KindRetryExhausted

	// KindWizardValidation is a local, non-fatal wizard input failure that
	// triggers a re-prompt.
	KindWizardValidation
)

// Code returns the stable machine-readable code for the kind.
func (k Kind) Code() string {
	switch k {
	case KindUpstreamCall:
		return "upstream_call_error"
	case KindNoSuchTool:
		return "no_such_tool"
	case KindInvalidToolInput:
		return "invalid_tool_input"
	case KindTypeValidation:
		return "type_validation_error"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindNoContent:
		return "no_content_generated"
	case KindRetryExhausted:
		return "retry_exhausted"
	case KindWizardValidation:
		return "wizard_validation_error"
	default:
		return "unknown_error"
	}
}

// Retryable reports whether failures of this kind should be retried.
func (k Kind) Retryable() bool {
	return k == KindUpstreamCall || k == KindNoContent
}

// Error is the single classified error type crossing the chat boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// NewError creates a classified error.
func NewError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether this error should be retried.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// Code returns the stable machine-readable code.
func (e *Error) Code() string { return e.Kind.Code() }

// KindOf extracts the classified kind from any error, classifying
// unclassified errors on the fly.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return classify(err).Kind
}

// classify wraps an arbitrary error from the generation boundary into the
// taxonomy. Already-classified errors pass through unchanged.
func classify(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, tools.ErrInvalidInput) {
		return NewError(KindInvalidToolInput, "tool input rejected by schema", err)
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "rate limit", "quota exceeded", "429",
		"500", "502", "503", "504", "unavailable",
		"connection reset", "timeout", "temporary"):
		return NewError(KindUpstreamCall, "upstream call failed", err)
	case containsAny(msg, "invalid argument", "invalid request", "400"):
		return NewError(KindInvalidArgument, "invalid generation argument", err)
	case containsAny(msg, "schema", "type validation"):
		return NewError(KindTypeValidation, "structured output failed validation", err)
	default:
		return NewError(KindUnknown, "unclassified upstream failure", err)
	}
}

// containsAny checks if s contains any of the substrings (case-insensitive).
func containsAny(s string, substrs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
