package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// embeddingDim matches the VECTOR(768) column in the documents table.
const embeddingDim = 768

// HashEmbedder is a deterministic bag-of-words embedder for tests. Texts
// sharing more tokens get higher cosine similarity, and identical texts
// embed identically, so similarity ordering in tests is reproducible
// without a model call.
type HashEmbedder struct{}

// Embed hashes each lowercase token into a fixed dimension and returns the
// L2-normalized histogram.
func (HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDim)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New64a()
		h.Write([]byte(token))
		vec[h.Sum64()%embeddingDim]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
