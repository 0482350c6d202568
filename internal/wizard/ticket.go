package wizard

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/timer"
)

// Dispatch ticket field names, in collection order.
const (
	FieldCustomer = "customer"
	FieldType     = "type"
	FieldMessage  = "message"
	FieldWorker   = "worker"
	FieldWhatsApp = "whatsapp"
)

// Accepted ticket types.
var ticketTypes = []string{"connection", "billing", "hardware", "other"}

// whatsappRe accepts international numbers with optional +, 8 to 15 digits.
var whatsappRe = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// Ticket is a validated dispatch request ready for handoff.
type Ticket struct {
	Customer string `json:"customer"`
	Type     string `json:"type"`
	Message  string `json:"message"`
	Worker   string `json:"worker"`
	WhatsApp string `json:"whatsapp"`
}

// Dispatcher hands a completed ticket to the field-operations backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, contextID string, ticket Ticket) (ticketID string, err error)
}

// TicketConfig assembles the dispatch-ticket wizard.
type TicketConfig struct {
	Sessions   *session.Store
	Timers     *timer.Manager
	Logger     log.Logger
	Dispatcher Dispatcher

	MaxAttempts    int
	FieldTimeout   time.Duration
	ConfirmTimeout time.Duration
	OnTimeout      func(contextID string)
}

// NewTicketWizard builds the dispatch-ticket flow: customer, issue type,
// problem description, assigned worker, and a WhatsApp contact number, in
// that order.
func NewTicketWizard(cfg TicketConfig) (*Wizard, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("dispatcher is required")
	}
	dispatcher := cfg.Dispatcher

	fields := []Field{
		{
			Name:     FieldCustomer,
			Prompt:   "Which customer is this ticket for? (name or account number)",
			Validate: nonEmpty("customer"),
		},
		{
			Name:   FieldType,
			Prompt: fmt.Sprintf("What kind of issue is it? (%s)", strings.Join(ticketTypes, ", ")),
			Validate: func(input string) (any, error) {
				got := strings.ToLower(strings.TrimSpace(input))
				for _, t := range ticketTypes {
					if got == t {
						return t, nil
					}
				}
				return nil, fmt.Errorf("please pick one of: %s", strings.Join(ticketTypes, ", "))
			},
		},
		{
			Name:   FieldMessage,
			Prompt: "Describe the problem in a sentence or two.",
			Validate: func(input string) (any, error) {
				msg := strings.TrimSpace(input)
				if len(msg) < 10 {
					return nil, errors.New("that's a bit short. Please describe the problem in a sentence or two")
				}
				return msg, nil
			},
		},
		{
			Name:     FieldWorker,
			Prompt:   "Who should handle this? (worker name)",
			Validate: nonEmpty("worker"),
		},
		{
			Name:   FieldWhatsApp,
			Prompt: "What WhatsApp number should we use for updates?",
			Validate: func(input string) (any, error) {
				num := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(input))
				if !whatsappRe.MatchString(num) {
					return nil, errors.New("that doesn't look like a phone number. Use digits only, e.g. +96170123456")
				}
				return num, nil
			},
		},
	}

	return New(Config{
		Name:           "dispatch_ticket",
		Fields:         fields,
		Sessions:       cfg.Sessions,
		Timers:         cfg.Timers,
		Logger:         cfg.Logger,
		MaxAttempts:    cfg.MaxAttempts,
		FieldTimeout:   cfg.FieldTimeout,
		ConfirmTimeout: cfg.ConfirmTimeout,
		OnTimeout:      cfg.OnTimeout,
		OnComplete: func(ctx context.Context, contextID string, values map[string]any) (string, error) {
			ticket := Ticket{
				Customer: asString(values[FieldCustomer]),
				Type:     asString(values[FieldType]),
				Message:  asString(values[FieldMessage]),
				Worker:   asString(values[FieldWorker]),
				WhatsApp: asString(values[FieldWhatsApp]),
			}
			id, err := dispatcher.Dispatch(ctx, contextID, ticket)
			if err != nil {
				return "", fmt.Errorf("dispatch ticket: %w", err)
			}
			return fmt.Sprintf("Done! Your ticket %s has been submitted. %s will be in touch on WhatsApp.",
				id, ticket.Worker), nil
		},
	})
}

func nonEmpty(label string) func(string) (any, error) {
	return func(input string) (any, error) {
		v := strings.TrimSpace(input)
		if v == "" {
			return nil, fmt.Errorf("the %s can't be empty. Please try again", label)
		}
		return v, nil
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
