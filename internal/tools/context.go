package tools

import (
	"context"
	"errors"
)

// ErrMissingOwner indicates a tool was executed without an authenticated
// owner identity in its context.
var ErrMissingOwner = errors.New("missing owner identity in execution context")

// ownerIDKey is an unexported context key for zero-allocation type safety.
type ownerIDKey struct{}

// ContextWithOwnerID stores the authenticated user identity in context.
// The transport layer injects it; tools read it for per-user scoping.
// Tools never trust identity fields supplied in model-generated input.
func ContextWithOwnerID(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerIDKey{}, ownerID)
}

// OwnerIDFromContext retrieves the owner identity from context.
// Returns empty string if not set.
func OwnerIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ownerIDKey{}).(string)
	return id
}

// RequireOwnerID returns the owner identity or ErrMissingOwner when the
// context carries none. Every tool validates this before acting.
func RequireOwnerID(ctx context.Context) (string, error) {
	id := OwnerIDFromContext(ctx)
	if id == "" {
		return "", ErrMissingOwner
	}
	return id, nil
}
