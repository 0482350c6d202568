// Package knowledge manages the retrieval-augmented grounding corpus:
// conversation chunks and ingested help-center articles stored with
// embedding vectors, searched by cosine similarity.
package knowledge

import (
	"context"
	"time"
)

// Source type constants for stored chunks.
const (
	// SourceTypeConversation is vectorized chat history.
	SourceTypeConversation = "conversation"

	// SourceTypeArticle is ingested help-center content.
	SourceTypeArticle = "article"
)

// Chunk is one stored text span.
type Chunk struct {
	ID         string
	ContextID  string
	Content    string
	SourceType string
	SourceSeq  int64 // sequence of the source turn, 0 for non-conversation chunks
	CreatedAt  time.Time
}

// Scored pairs a chunk with its similarity to a query, computed per request.
type Scored struct {
	Chunk
	Similarity float32
}

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher performs similarity search scoped to a context identifier.
// Results come back ordered by descending similarity, at most topK.
type Searcher interface {
	Search(ctx context.Context, contextID string, vector []float32, topK int) ([]Scored, error)
}
