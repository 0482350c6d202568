package tools

import (
	"context"
	"fmt"

	"github.com/abiroot/ispbot/internal/log"
)

// Balance is an account's billing position.
type Balance struct {
	Account  string  `json:"account"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	DueDate  string  `json:"dueDate,omitempty"`
	Overdue  bool    `json:"overdue"`
}

// BillingAPI is the external billing-system collaborator.
type BillingAPI interface {
	Balance(ctx context.Context, ownerID, account string) (*Balance, error)
	PaymentLink(ctx context.Context, ownerID, account string) (url string, expiresHours int, err error)
}

// GetBalanceInput defines input for the getBalance tool.
type GetBalanceInput struct {
	Account string `json:"account" jsonschema_description:"The customer account number to get the balance for"`
}

// SendPaymentLinkInput defines input for the sendPaymentLink tool.
type SendPaymentLinkInput struct {
	Account string `json:"account" jsonschema_description:"The customer account number to generate a payment link for"`
}

// NewGetBalance creates the getBalance tool over the given billing API.
func NewGetBalance(api BillingAPI, logger log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	return New(
		"getBalance",
		"Get the outstanding balance, currency and due date for a customer account.",
		func(ctx context.Context, input GetBalanceInput) (Result, error) {
			ownerID, err := RequireOwnerID(ctx)
			if err != nil {
				return Result{}, err
			}
			if input.Account == "" {
				return Result{}, fmt.Errorf("%w: account is required", ErrInvalidInput)
			}

			balance, err := api.Balance(ctx, ownerID, input.Account)
			if err != nil {
				return Result{}, fmt.Errorf("billing balance: %w", err)
			}

			logger.Debug("balance lookup", "owner_id", ownerID, "account", input.Account)
			return Structured(balance), nil
		},
	)
}

// NewSendPaymentLink creates the sendPaymentLink tool. It returns literal
// reply text: the exact link message is delivered to the user verbatim,
// superseding any model commentary.
func NewSendPaymentLink(api BillingAPI, logger log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	return New(
		"sendPaymentLink",
		"Generate a payment link for a customer account and send it to the user.",
		func(ctx context.Context, input SendPaymentLinkInput) (Result, error) {
			ownerID, err := RequireOwnerID(ctx)
			if err != nil {
				return Result{}, err
			}
			if input.Account == "" {
				return Result{}, fmt.Errorf("%w: account is required", ErrInvalidInput)
			}

			url, expiresHours, err := api.PaymentLink(ctx, ownerID, input.Account)
			if err != nil {
				return Result{}, fmt.Errorf("billing payment link: %w", err)
			}

			logger.Debug("payment link issued", "owner_id", ownerID, "account", input.Account)
			return MultiText(
				fmt.Sprintf("Here is your payment link: %s", url),
				fmt.Sprintf("The link expires in %d hours.", expiresHours),
			), nil
		},
	)
}
