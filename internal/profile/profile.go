// Package profile provides per-context user profile lookup used to
// personalize the system prompt.
package profile

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/abiroot/ispbot/internal/log"
)

// Profile is the stored personalization record for one conversation context.
type Profile struct {
	Name     string
	Timezone string
	Language string
}

// Lookup resolves a profile by context identifier. A missing profile is
// (nil, nil), not an error.
type Lookup interface {
	Get(ctx context.Context, contextID string) (*Profile, error)
}

// rowQuerier is the subset of pgx query methods the store needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed profile lookup.
type Store struct {
	db     rowQuerier
	logger log.Logger
}

// NewStore creates a profile store.
func NewStore(db rowQuerier, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

const getProfileSQL = `SELECT name, timezone, language FROM profiles WHERE context_id = $1`

// Get returns the profile for contextID, or nil when none is stored.
func (s *Store) Get(ctx context.Context, contextID string) (*Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, getProfileSQL, contextID).Scan(&p.Name, &p.Timezone, &p.Language)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}
