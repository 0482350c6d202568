package provider

import (
	"context"
	"fmt"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"
)

// VectorDimension is the embedding width the knowledge schema stores.
// The documents table declares vector(768); changing this requires a
// migration.
const VectorDimension int32 = 768

// Embedder adapts a Genkit embedder to the knowledge package's boundary,
// pinning the output dimensionality to the schema's vector width.
type Embedder struct {
	embedder ai.Embedder
}

// NewEmbedder wraps the client's resolved embedder.
func NewEmbedder(client *Client) *Embedder {
	return &Embedder{embedder: client.Embedder}
}

// Embed vectorizes one text span.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dim := VectorDimension
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Embeddings[0].Embedding, nil
}
