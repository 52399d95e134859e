package retrieval

import (
	"context"
)

// Retriever combines embedding and vector search to find similar past
// questions.
type Retriever struct {
	embedder    *Embedder
	store       VectorStore
	maxDistance float32
}

// NewRetriever creates a Retriever backed by the given Embedder and
// VectorStore. A maxDistance of 0 disables thresholding.
func NewRetriever(embedder *Embedder, store VectorStore, maxDistance float32) *Retriever {
	return &Retriever{embedder: embedder, store: store, maxDistance: maxDistance}
}

// FindSimilar embeds text and returns up to k stored records nearest to it,
// dropping matches farther than the configured threshold.
func (r *Retriever) FindSimilar(ctx context.Context, text string, k int) ([]Match, error) {
	if k <= 0 {
		return []Match{}, nil
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	matches, err := r.store.Search(ctx, vec, k)
	if err != nil {
		return nil, err
	}
	if r.maxDistance <= 0 {
		return matches, nil
	}

	kept := matches[:0]
	for _, m := range matches {
		if m.Distance <= r.maxDistance {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

// Remember embeds text and stores rec under that vector. rec.Query is set
// to text when empty.
func (r *Retriever) Remember(ctx context.Context, text string, rec Record) (string, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return "", err
	}
	if rec.Query == "" {
		rec.Query = text
	}
	return r.store.Insert(ctx, vec, rec)
}
