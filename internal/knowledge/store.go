package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/abiroot/ispbot/internal/log"
)

// searchTimeout bounds vector search queries so a slow scan cannot block a
// chat turn indefinitely.
const searchTimeout = 10 * time.Second

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists chunks with pgvector embeddings in PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines. It implements
// Searcher; writes go through Add.
type Store struct {
	db       querier
	embedder Embedder
	logger   log.Logger
}

// NewStore creates a knowledge store. The embedder is used when adding
// chunks; searches receive a pre-embedded query vector.
func NewStore(db querier, embedder Embedder, logger log.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{db: db, embedder: embedder, logger: logger}, nil
}

const upsertChunkSQL = `INSERT INTO documents (id, context_id, content, embedding, source_type, source_seq, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, now()))
	ON CONFLICT (id) DO UPDATE
	SET content = EXCLUDED.content,
	    embedding = EXCLUDED.embedding,
	    source_type = EXCLUDED.source_type,
	    source_seq = EXCLUDED.source_seq`

// Add embeds chunk content and upserts it.
func (s *Store) Add(ctx context.Context, chunk Chunk) error {
	vec, err := s.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return fmt.Errorf("embed chunk %q: %w", chunk.ID, err)
	}
	if len(vec) == 0 {
		return fmt.Errorf("empty embedding returned for chunk %q", chunk.ID)
	}

	var createdAt *time.Time
	if !chunk.CreatedAt.IsZero() {
		createdAt = &chunk.CreatedAt
	}

	embedding := pgvector.NewVector(vec)
	_, err = s.db.Exec(ctx, upsertChunkSQL,
		chunk.ID, chunk.ContextID, chunk.Content, embedding,
		chunk.SourceType, chunk.SourceSeq, createdAt)
	if err != nil {
		return fmt.Errorf("upsert chunk %q: %w", chunk.ID, err)
	}

	s.logger.Debug("added chunk",
		"id", chunk.ID,
		"source_type", chunk.SourceType,
		"content_length", len(chunk.Content))
	return nil
}

const searchSQL = `SELECT id, context_id, content, source_type, source_seq, created_at,
	(1 - (embedding <=> $2))::float4 AS similarity
	FROM documents
	WHERE context_id = $1
	ORDER BY embedding <=> $2
	LIMIT $3`

// Search returns the topK most similar chunks for contextID, ordered by
// descending cosine similarity.
func (s *Store) Search(ctx context.Context, contextID string, vector []float32, topK int) ([]Scored, error) {
	if topK <= 0 {
		return nil, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	rows, err := s.db.Query(queryCtx, searchSQL, contextID, pgvector.NewVector(vector), topK)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var results []Scored
	for rows.Next() {
		var sc Scored
		if err := rows.Scan(&sc.ID, &sc.ContextID, &sc.Content,
			&sc.SourceType, &sc.SourceSeq, &sc.CreatedAt, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return results, nil
}

// Count returns the number of chunks stored for contextID.
func (s *Store) Count(ctx context.Context, contextID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM documents WHERE context_id = $1`, contextID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// Delete removes a chunk by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete chunk %q: %w", id, err)
	}
	s.logger.Debug("deleted chunk", "id", id)
	return nil
}
