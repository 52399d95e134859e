package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askcube/internal/cache"
	"github.com/kalambet/askcube/internal/engine"
)

// Embedder wraps an Engine to generate text embeddings, optionally backed
// by a cache keyed on model and text.
type Embedder struct {
	engine   engine.Engine
	model    string
	cache    cache.Client
	cacheTTL time.Duration
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithCache stores computed vectors in c for ttl (ttl <= 0 never expires).
func WithCache(c cache.Client, ttl time.Duration) EmbedderOption {
	return func(e *Embedder) {
		e.cache = c
		e.cacheTTL = ttl
	}
}

// NewEmbedder creates an Embedder using the given Engine and model name.
func NewEmbedder(e engine.Engine, model string, opts ...EmbedderOption) *Embedder {
	em := &Embedder{engine: e, model: model}
	for _, o := range opts {
		o(em)
	}
	return em
}

// Model returns the embedding model name.
func (e *Embedder) Model() string { return e.model }

// Embed returns the embedding vector for a single text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := cache.EmbeddingKey(e.model, text)
	if e.cache != nil {
		b, err := e.cache.Get(ctx, key)
		if err == nil {
			if vec, derr := decodeFloat32s(b); derr == nil && len(vec) > 0 {
				return vec, nil
			}
		} else if !errors.Is(err, cache.ErrCacheMiss) {
			slog.Debug("embedding cache read failed", "error", err)
		}
	}

	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("embedding text: provider returned an empty vector")
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, encodeFloat32s(vec), e.cacheTTL); err != nil {
			slog.Debug("embedding cache write failed", "error", err)
		}
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4) // Bound concurrency to avoid overwhelming the engine.

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
