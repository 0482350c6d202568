// Package wizard implements multi-step guided data collection: an ordered
// field walk with per-field validation, bounded re-prompting, idle
// timeouts, and an explicit confirmation step before handoff.
package wizard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/timer"
)

// Sentinel errors for flow control.
var (
	// ErrNotActive is returned when a wizard operation targets a context
	// with no flow in progress.
	ErrNotActive = errors.New("no wizard in progress")

	// ErrAlreadyActive is returned by Begin when a flow is already running
	// for the context.
	ErrAlreadyActive = errors.New("wizard already in progress")

	// ErrAwaitingConfirmation is returned by Submit when the flow is alive
	// but waiting on a yes/no answer, not field input.
	ErrAwaitingConfirmation = errors.New("wizard awaiting confirmation")
)

// IncompleteError is returned by Confirm when required fields are still
// uncollected. The flow stays alive and the session keeps its values.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("wizard incomplete: missing fields %s", strings.Join(e.Missing, ", "))
}

// Reserved session field names carrying wizard control state. Collected
// values live under their own field names; collisions with these keys are
// rejected at construction.
const (
	stateField    = "_wizard_state"
	indexField    = "_wizard_index"
	attemptsField = "_wizard_attempts"
)

// Flow states. Completed and Canceled are terminal: the session is cleared
// and every subsequent operation returns ErrNotActive.
const (
	StateCollecting = "collecting"
	StateConfirming = "confirming"
	StateCompleted  = "completed"
	StateCanceled   = "canceled"
)

// Defaults applied by New for zero config values.
const (
	DefaultMaxAttempts    = 3
	DefaultFieldTimeout   = 5 * time.Minute
	DefaultConfirmTimeout = 2 * time.Minute
)

// Field is one collection step. Validate normalizes raw input or rejects
// it with a user-facing reason.
type Field struct {
	Name     string
	Prompt   string
	Validate func(input string) (any, error)
}

// Outcome is the result of one wizard interaction: the new flow state plus
// the messages to deliver to the user.
type Outcome struct {
	State    string
	Messages []string
}

// CompleteFunc receives the validated field values once the user confirms.
// The returned string is the closing message delivered to the user.
type CompleteFunc func(ctx context.Context, contextID string, values map[string]any) (string, error)

// Config assembles a wizard.
type Config struct {
	Name     string  // flow identifier, used in logs and timer keys
	Fields   []Field // ordered collection steps
	Sessions *session.Store
	Timers   *timer.Manager
	Logger   log.Logger

	MaxAttempts    int           // validation failures per field before auto-cancel
	FieldTimeout   time.Duration // idle bound while collecting
	ConfirmTimeout time.Duration // idle bound while awaiting confirmation

	OnComplete CompleteFunc
	// OnTimeout is invoked after an idle flow is canceled, with the
	// affected context identifier. Optional.
	OnTimeout func(contextID string)
}

// Wizard drives the flow for any number of contexts concurrently. All
// per-context state lives in the session store; the Wizard itself is
// immutable after construction.
type Wizard struct {
	name           string
	fields         []Field
	sessions       *session.Store
	timers         *timer.Manager
	logger         log.Logger
	maxAttempts    int
	fieldTimeout   time.Duration
	confirmTimeout time.Duration
	onComplete     CompleteFunc
	onTimeout      func(contextID string)
}

// New validates the configuration and creates a Wizard.
func New(cfg Config) (*Wizard, error) {
	if cfg.Name == "" {
		return nil, errors.New("wizard name is required")
	}
	if len(cfg.Fields) == 0 {
		return nil, errors.New("wizard needs at least one field")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if cfg.Timers == nil {
		return nil, errors.New("timer manager is required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.OnComplete == nil {
		return nil, errors.New("completion handler is required")
	}

	seen := make(map[string]bool, len(cfg.Fields))
	for _, f := range cfg.Fields {
		switch {
		case f.Name == "":
			return nil, errors.New("field name is required")
		case f.Name == stateField || f.Name == indexField || f.Name == attemptsField:
			return nil, fmt.Errorf("field name %q is reserved", f.Name)
		case f.Prompt == "":
			return nil, fmt.Errorf("field %q: prompt is required", f.Name)
		case f.Validate == nil:
			return nil, fmt.Errorf("field %q: validator is required", f.Name)
		case seen[f.Name]:
			return nil, fmt.Errorf("duplicate field name %q", f.Name)
		}
		seen[f.Name] = true
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.FieldTimeout <= 0 {
		cfg.FieldTimeout = DefaultFieldTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = DefaultConfirmTimeout
	}

	return &Wizard{
		name:           cfg.Name,
		fields:         cfg.Fields,
		sessions:       cfg.Sessions,
		timers:         cfg.Timers,
		logger:         cfg.Logger,
		maxAttempts:    cfg.MaxAttempts,
		fieldTimeout:   cfg.FieldTimeout,
		confirmTimeout: cfg.ConfirmTimeout,
		onComplete:     cfg.OnComplete,
		onTimeout:      cfg.OnTimeout,
	}, nil
}

// Active reports whether a flow is in progress for the context.
func (w *Wizard) Active(contextID string) bool {
	state, ok := w.sessions.GetField(contextID, stateField)
	return ok && (state == StateCollecting || state == StateConfirming)
}

// Begin starts the flow: initializes control state and prompts for the
// first field.
func (w *Wizard) Begin(contextID string) (Outcome, error) {
	if w.Active(contextID) {
		return Outcome{}, ErrAlreadyActive
	}

	w.sessions.Set(contextID, map[string]any{
		stateField:    StateCollecting,
		indexField:    0,
		attemptsField: 0,
	})
	w.armTimer(contextID, w.fieldTimeout)

	w.logger.Debug("wizard started", "wizard", w.name, "context_id", contextID)
	return Outcome{
		State:    StateCollecting,
		Messages: []string{w.fields[0].Prompt},
	}, nil
}

// Submit feeds user input to the current field. Invalid input re-prompts
// up to the attempt bound, then auto-cancels the whole flow. When the last
// field validates, the flow moves to confirmation; field input from then
// on returns ErrAwaitingConfirmation.
func (w *Wizard) Submit(contextID, input string) (Outcome, error) {
	// Every synchronous interaction disarms the idle timer first so a
	// concurrent expiry cannot race the state transition.
	w.timers.Stop(w.timerKey(contextID))

	state, index, attempts, ok := w.controlState(contextID)
	if !ok || state != StateCollecting {
		if ok && state == StateConfirming {
			// Re-arm: the flow is alive, just in the wrong phase for text
			// input.
			w.armTimer(contextID, w.confirmTimeout)
			return Outcome{}, ErrAwaitingConfirmation
		}
		return Outcome{}, ErrNotActive
	}

	field := w.fields[index]
	value, err := field.Validate(input)
	if err != nil {
		attempts++
		if attempts >= w.maxAttempts {
			w.logger.Info("wizard auto-canceled after repeated invalid input",
				"wizard", w.name, "context_id", contextID, "field", field.Name)
			w.sessions.Clear(contextID)
			return Outcome{
				State: StateCanceled,
				Messages: []string{fmt.Sprintf(
					"I couldn't understand that after %d tries, so I've canceled the request. Start over whenever you're ready.",
					w.maxAttempts)},
			}, nil
		}

		w.sessions.Set(contextID, map[string]any{attemptsField: attempts})
		w.armTimer(contextID, w.fieldTimeout)
		return Outcome{
			State:    StateCollecting,
			Messages: []string{fmt.Sprintf("%v", err), field.Prompt},
		}, nil
	}

	index++
	if index < len(w.fields) {
		w.sessions.Set(contextID, map[string]any{
			field.Name:    value,
			indexField:    index,
			attemptsField: 0,
		})
		w.armTimer(contextID, w.fieldTimeout)
		return Outcome{
			State:    StateCollecting,
			Messages: []string{w.fields[index].Prompt},
		}, nil
	}

	// All fields collected; ask for confirmation.
	w.sessions.Set(contextID, map[string]any{
		field.Name:    value,
		indexField:    index,
		attemptsField: 0,
		stateField:    StateConfirming,
	})

	if missing := w.missingFields(contextID); len(missing) > 0 {
		// Collected state went missing mid-flow (eviction, manual clear).
		// The flow cannot be trusted; cancel instead of confirming bad data.
		w.logger.Error("wizard state incomplete at confirmation",
			"wizard", w.name, "context_id", contextID, "missing", missing)
		w.sessions.Clear(contextID)
		return Outcome{
			State:    StateCanceled,
			Messages: []string{"Something went wrong with your request. Please start over."},
		}, nil
	}

	w.armTimer(contextID, w.confirmTimeout)
	return Outcome{
		State:    StateConfirming,
		Messages: []string{w.summary(contextID), "Reply yes to submit, or no to cancel."},
	}, nil
}

// Confirm resolves the confirmation step. accept=true hands the collected
// values to the completion handler and clears the flow; accept=false
// cancels. Both outcomes are terminal.
func (w *Wizard) Confirm(ctx context.Context, contextID string, accept bool) (Outcome, error) {
	w.timers.Stop(w.timerKey(contextID))

	state, _, _, ok := w.controlState(contextID)
	if !ok || state != StateConfirming {
		if ok && state == StateCollecting {
			// Collection is still running: report exactly what is missing
			// and leave the session untouched.
			w.armTimer(contextID, w.fieldTimeout)
			return Outcome{}, &IncompleteError{Missing: w.missingFields(contextID)}
		}
		return Outcome{}, ErrNotActive
	}

	if !accept {
		return w.cancel(contextID, "Okay, I've canceled the request.")
	}

	if missing := w.missingFields(contextID); len(missing) > 0 {
		w.logger.Error("wizard state incomplete at submission",
			"wizard", w.name, "context_id", contextID, "missing", missing)
		w.sessions.Clear(contextID)
		return Outcome{
			State:    StateCanceled,
			Messages: []string{"Something went wrong with your request. Please start over."},
		}, nil
	}

	values := make(map[string]any, len(w.fields))
	for _, f := range w.fields {
		v, _ := w.sessions.GetField(contextID, f.Name)
		values[f.Name] = v
	}

	closing, err := w.onComplete(ctx, contextID, values)
	if err != nil {
		// The flow stays in confirmation so the user can retry submitting.
		w.armTimer(contextID, w.confirmTimeout)
		return Outcome{}, fmt.Errorf("wizard %s completion: %w", w.name, err)
	}

	w.sessions.Clear(contextID)
	w.logger.Info("wizard completed", "wizard", w.name, "context_id", contextID)
	return Outcome{State: StateCompleted, Messages: []string{closing}}, nil
}

// HandleInput routes one user turn to the flow's current phase: field input
// while collecting, a yes/no answer while confirming. Conversation surfaces
// call this for every turn while Active reports true, bypassing generation.
func (w *Wizard) HandleInput(ctx context.Context, contextID, input string) (Outcome, error) {
	state, _, _, ok := w.controlState(contextID)
	if !ok {
		return Outcome{}, ErrNotActive
	}

	switch state {
	case StateCollecting:
		return w.Submit(contextID, input)
	case StateConfirming:
		switch strings.ToLower(strings.TrimSpace(input)) {
		case "yes", "y", "ok", "confirm", "sure":
			return w.Confirm(ctx, contextID, true)
		case "no", "n", "cancel", "stop":
			return w.Confirm(ctx, contextID, false)
		default:
			return Outcome{
				State:    StateConfirming,
				Messages: []string{"Reply yes to submit, or no to cancel."},
			}, nil
		}
	default:
		return Outcome{}, ErrNotActive
	}
}

// Cancel aborts an in-progress flow.
func (w *Wizard) Cancel(contextID string) (Outcome, error) {
	w.timers.Stop(w.timerKey(contextID))

	if !w.Active(contextID) {
		return Outcome{}, ErrNotActive
	}
	return w.cancel(contextID, "Okay, I've canceled the request.")
}

func (w *Wizard) cancel(contextID, message string) (Outcome, error) {
	w.sessions.Clear(contextID)
	w.logger.Debug("wizard canceled", "wizard", w.name, "context_id", contextID)
	return Outcome{State: StateCanceled, Messages: []string{message}}, nil
}

// controlState loads the flow's control fields. ok is false when no valid
// flow exists.
func (w *Wizard) controlState(contextID string) (state string, index, attempts int, ok bool) {
	rawState, okState := w.sessions.GetField(contextID, stateField)
	rawIndex, okIndex := w.sessions.GetField(contextID, indexField)
	rawAttempts, okAttempts := w.sessions.GetField(contextID, attemptsField)
	if !okState || !okIndex || !okAttempts {
		return "", 0, 0, false
	}

	state, okState = rawState.(string)
	index, okIndex = rawIndex.(int)
	attempts, okAttempts = rawAttempts.(int)
	if !okState || !okIndex || !okAttempts || index < 0 || index > len(w.fields) {
		return "", 0, 0, false
	}
	return state, index, attempts, true
}

// missingFields returns the names of fields with no collected value,
// considering only fields before the current index boundary.
func (w *Wizard) missingFields(contextID string) []string {
	var missing []string
	for _, f := range w.fields {
		if _, ok := w.sessions.GetField(contextID, f.Name); !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// summary renders the collected values for confirmation.
func (w *Wizard) summary(contextID string) string {
	var sb strings.Builder
	sb.WriteString("Here's what I have:\n")
	for _, f := range w.fields {
		v, _ := w.sessions.GetField(contextID, f.Name)
		fmt.Fprintf(&sb, "- %s: %v\n", f.Name, v)
	}
	return sb.String()
}

func (w *Wizard) timerKey(contextID string) string {
	return w.name + ":" + contextID
}

// armTimer starts the idle countdown. Expiry cancels the flow and notifies
// the timeout hook.
func (w *Wizard) armTimer(contextID string, timeout time.Duration) {
	w.timers.Start(w.timerKey(contextID), timeout, func() {
		w.logger.Info("wizard timed out", "wizard", w.name, "context_id", contextID)
		w.sessions.Clear(contextID)
		if w.onTimeout != nil {
			w.onTimeout(contextID)
		}
	})
}
