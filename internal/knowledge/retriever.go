package knowledge

import (
	"context"
	"fmt"
	"sort"

	"github.com/abiroot/ispbot/internal/log"
)

// Retriever answers grounding queries: embed the query, search the corpus
// scoped to a context identifier, keep results at or above the similarity
// floor, and return at most topK ordered by descending similarity.
type Retriever struct {
	embedder Embedder
	searcher Searcher
	logger   log.Logger
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder Embedder, searcher Searcher, logger log.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{embedder: embedder, searcher: searcher, logger: logger}, nil
}

// Retrieve returns the topK most similar chunks for query scoped to
// contextID, discarding anything below minSimilarity. An empty result is
// not an error; topK <= 0 disables retrieval entirely.
//
// Ordering is stable for a fixed corpus and query: descending similarity,
// ties broken by most-recent source turn first.
func (r *Retriever) Retrieve(ctx context.Context, contextID, query string, topK int, minSimilarity float32) ([]Scored, error) {
	if topK <= 0 || query == "" {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	scored, err := r.searcher.Search(ctx, contextID, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("similarity search: %w", err)
	}

	qualified := scored[:0]
	for _, sc := range scored {
		if sc.Similarity >= minSimilarity {
			qualified = append(qualified, sc)
		}
	}

	sort.SliceStable(qualified, func(i, j int) bool {
		if qualified[i].Similarity != qualified[j].Similarity {
			return qualified[i].Similarity > qualified[j].Similarity
		}
		if qualified[i].SourceSeq != qualified[j].SourceSeq {
			return qualified[i].SourceSeq > qualified[j].SourceSeq
		}
		return qualified[i].CreatedAt.After(qualified[j].CreatedAt)
	})

	if len(qualified) > topK {
		qualified = qualified[:topK]
	}

	if len(qualified) > 0 {
		r.logger.Debug("retrieved grounding chunks",
			"context_id", contextID,
			"count", len(qualified),
			"top_similarity", qualified[0].Similarity)
	}
	return qualified, nil
}
