package conversation

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/abiroot/ispbot/internal/log"
)

// Log is the append-only message log the engine persists turns to and
// reconstructs history from. Implemented by Store for PostgreSQL; tests
// substitute in-memory fakes.
type Log interface {
	// Append persists one record, assigning its sequence number.
	Append(ctx context.Context, rec *Record) error

	// Recent returns up to limit of the newest records for contextID,
	// in chronological order.
	Recent(ctx context.Context, contextID string, limit int) ([]Record, error)
}

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL-backed message log.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	logger log.Logger
}

// NewStore creates a message-log store.
func NewStore(db querier, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, logger: logger}, nil
}

const appendSQL = `INSERT INTO messages (id, context_id, role, content, tool_meta)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING seq, created_at`

// Append persists one record. The sequence number and creation timestamp
// are assigned by the database and written back into rec.
func (s *Store) Append(ctx context.Context, rec *Record) error {
	err := s.db.QueryRow(ctx, appendSQL,
		rec.ID, rec.ContextID, rec.Role, rec.Text, rec.ToolMeta,
	).Scan(&rec.Sequence, &rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	s.logger.Debug("appended message",
		"context_id", rec.ContextID,
		"role", rec.Role,
		"seq", rec.Sequence)
	return nil
}

const recentSQL = `SELECT id, context_id, role, content, tool_meta, seq, created_at
	FROM messages
	WHERE context_id = $1
	ORDER BY seq DESC
	LIMIT $2`

// Recent returns the newest limit records for contextID in chronological
// order. limit <= 0 returns an empty slice.
func (s *Store) Recent(ctx context.Context, contextID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(ctx, recentSQL, contextID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.ContextID, &rec.Role, &rec.Text,
			&rec.ToolMeta, &rec.Sequence, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	// Query returns newest first; history is consumed oldest first.
	slices.Reverse(records)
	return records, nil
}
