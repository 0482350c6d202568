package tools

import (
	"context"
	"fmt"

	"github.com/abiroot/ispbot/internal/log"
)

// Customer is a subscriber record returned by the customer API.
type Customer struct {
	Account  string `json:"account"`
	Name     string `json:"name"`
	Plan     string `json:"plan"`
	Status   string `json:"status"` // active | suspended | disconnected
	Location string `json:"location,omitempty"`
}

// CustomerAPI is the external customer-database collaborator.
// ownerID is the authenticated user performing the lookup; implementations
// enforce that the account is visible to that user.
type CustomerAPI interface {
	Lookup(ctx context.Context, ownerID, account string) (*Customer, error)
}

// LookupCustomerInput defines input for the lookupCustomer tool.
type LookupCustomerInput struct {
	Account string `json:"account" jsonschema_description:"The customer account number to look up"`
}

// NewLookupCustomer creates the lookupCustomer tool over the given API.
func NewLookupCustomer(api CustomerAPI, logger log.Logger) (*Tool, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	return New(
		"lookupCustomer",
		"Look up a customer account: subscriber name, plan, connection status and location.",
		func(ctx context.Context, input LookupCustomerInput) (Result, error) {
			ownerID, err := RequireOwnerID(ctx)
			if err != nil {
				return Result{}, err
			}
			if input.Account == "" {
				return Result{}, fmt.Errorf("%w: account is required", ErrInvalidInput)
			}

			customer, err := api.Lookup(ctx, ownerID, input.Account)
			if err != nil {
				return Result{}, fmt.Errorf("customer lookup: %w", err)
			}

			logger.Debug("customer lookup", "owner_id", ownerID, "account", input.Account)
			return Structured(customer), nil
		},
	)
}
