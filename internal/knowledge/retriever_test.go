package knowledge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/abiroot/ispbot/internal/log"
)

// fakeEmbedder returns a fixed vector for any text.
type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

// fakeSearcher serves a canned corpus, honoring topK and descending
// similarity like the real store does.
type fakeSearcher struct {
	corpus []Scored
	err    error

	lastContextID string
}

func (f *fakeSearcher) Search(_ context.Context, contextID string, _ []float32, topK int) ([]Scored, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastContextID = contextID
	out := make([]Scored, len(f.corpus))
	copy(out, f.corpus)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func chunkWithScore(id string, seq int64, sim float32) Scored {
	return Scored{
		Chunk: Chunk{
			ID:         id,
			ContextID:  "ctx1",
			Content:    "chunk " + id,
			SourceType: SourceTypeConversation,
			SourceSeq:  seq,
			CreatedAt:  time.Date(2025, 6, 1, 0, 0, int(seq), 0, time.UTC),
		},
		Similarity: sim,
	}
}

func TestRetrieveFloorAndOrdering(t *testing.T) {
	t.Parallel()

	// Corpus similarities [0.9, 0.7, 0.4, 0.6]; floor 0.5, topK 3 must
	// return [0.9, 0.7, 0.6] in that order.
	searcher := &fakeSearcher{corpus: []Scored{
		chunkWithScore("a", 1, 0.9),
		chunkWithScore("b", 2, 0.7),
		chunkWithScore("c", 3, 0.4),
		chunkWithScore("d", 4, 0.6),
	}}
	r, err := NewRetriever(&fakeEmbedder{vec: []float32{1, 0}}, searcher, log.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Retrieve(context.Background(), "ctx1", "billing question", 3, 0.5)
	if err != nil {
		t.Fatal(err)
	}

	wantIDs := []string{"a", "b", "d"}
	if len(got) != len(wantIDs) {
		t.Fatalf("got %d chunks, want %d", len(got), len(wantIDs))
	}
	for i, want := range wantIDs {
		if got[i].ID != want {
			t.Errorf("result[%d] = %s (%.2f), want %s", i, got[i].ID, got[i].Similarity, want)
		}
	}
	if searcher.lastContextID != "ctx1" {
		t.Errorf("search scoped to %q, want ctx1", searcher.lastContextID)
	}
}

// TestRetrieveBoundInvariant: len(result) <= topK and every similarity >=
// floor, across a spread of corpora and parameters.
func TestRetrieveBoundInvariant(t *testing.T) {
	t.Parallel()

	sims := []float32{0.95, 0.85, 0.75, 0.65, 0.55, 0.45, 0.35, 0.25, 0.15, 0.05}
	corpus := make([]Scored, 0, len(sims))
	for i, sim := range sims {
		corpus = append(corpus, chunkWithScore(fmt.Sprintf("c%d", i), int64(i), sim))
	}

	for _, topK := range []int{1, 3, 5, 20} {
		for _, floor := range []float32{0.0, 0.3, 0.6, 0.99} {
			r, _ := NewRetriever(&fakeEmbedder{vec: []float32{1}}, &fakeSearcher{corpus: corpus}, log.NewNop())
			got, err := r.Retrieve(context.Background(), "ctx1", "q", topK, floor)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) > topK {
				t.Errorf("topK=%d floor=%.2f: got %d results", topK, floor, len(got))
			}
			for _, sc := range got {
				if sc.Similarity < floor {
					t.Errorf("topK=%d floor=%.2f: similarity %.2f below floor", topK, floor, sc.Similarity)
				}
			}
		}
	}
}

func TestRetrieveTieBreakMostRecentFirst(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{corpus: []Scored{
		chunkWithScore("old", 10, 0.8),
		chunkWithScore("new", 99, 0.8),
	}}
	r, _ := NewRetriever(&fakeEmbedder{vec: []float32{1}}, searcher, log.NewNop())

	got, err := r.Retrieve(context.Background(), "ctx1", "q", 2, 0.1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "new" {
		t.Errorf("tie not broken by most-recent source turn: %+v", got)
	}
}

func TestRetrieveDisabled(t *testing.T) {
	t.Parallel()

	r, _ := NewRetriever(&fakeEmbedder{vec: []float32{1}}, &fakeSearcher{}, log.NewNop())

	for _, tc := range []struct {
		name  string
		topK  int
		query string
	}{
		{"zero topK", 0, "q"},
		{"negative topK", -1, "q"},
		{"empty query", 5, ""},
	} {
		got, err := r.Retrieve(context.Background(), "ctx1", tc.query, tc.topK, 0.5)
		if err != nil {
			t.Errorf("%s: err = %v, want nil", tc.name, err)
		}
		if len(got) != 0 {
			t.Errorf("%s: got %d chunks, want none", tc.name, len(got))
		}
	}
}

func TestRetrieveEmptyWhenNothingQualifies(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{corpus: []Scored{chunkWithScore("a", 1, 0.2)}}
	r, _ := NewRetriever(&fakeEmbedder{vec: []float32{1}}, searcher, log.NewNop())

	got, err := r.Retrieve(context.Background(), "ctx1", "q", 3, 0.9)
	if err != nil {
		t.Errorf("nothing qualifying must not be an error, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d chunks, want 0", len(got))
	}
}

func TestRetrieveInfrastructureErrors(t *testing.T) {
	t.Parallel()

	embedErr := errors.New("embedder down")
	r, _ := NewRetriever(&fakeEmbedder{err: embedErr}, &fakeSearcher{}, log.NewNop())
	if _, err := r.Retrieve(context.Background(), "ctx1", "q", 3, 0.5); !errors.Is(err, embedErr) {
		t.Errorf("embedder error not propagated: %v", err)
	}

	searchErr := errors.New("search down")
	r, _ = NewRetriever(&fakeEmbedder{vec: []float32{1}}, &fakeSearcher{err: searchErr}, log.NewNop())
	if _, err := r.Retrieve(context.Background(), "ctx1", "q", 3, 0.5); !errors.Is(err, searchErr) {
		t.Errorf("search error not propagated: %v", err)
	}
}
