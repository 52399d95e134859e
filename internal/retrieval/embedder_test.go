package retrieval

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kalambet/askcube/internal/cache"
	"github.com/kalambet/askcube/internal/engine"
)

// mockEngine implements engine.Engine for testing.
type mockEngine struct {
	embedFn func(ctx context.Context, model string, text string) ([]float32, error)
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ *engine.Schema) (string, error) {
	return "", fmt.Errorf("not implemented")
}
func (m *mockEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	return m.embedFn(ctx, model, text)
}

func makeVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i) * 0.001
	}
	return v
}

// bagOfWords is a deterministic embedding: each lowercased word bumps one
// of dim buckets and the result is L2-normalized.
func bagOfWords(text string, dim int) []float32 {
	v := make([]float32, dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%uint32(dim)]++
	}
	var n float64
	for _, f := range v {
		n += float64(f * f)
	}
	if n > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / math.Sqrt(n))
		}
	}
	return v
}

func wordEngine(dim int) *mockEngine {
	return &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			return bagOfWords(text, dim), nil
		},
	}
}

func TestEmbed_ReturnsDimension(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "text-embedding-3-small")

	vec, err := e.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 384 {
		t.Errorf("got %d dimensions, want 384", len(vec))
	}
	if e.Model() != "text-embedding-3-small" {
		t.Errorf("Model() = %q", e.Model())
	}
}

func TestEmbed_ProviderError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return nil, errors.New("connection refused")
		},
	}
	e := NewEmbedder(mock, "text-embedding-3-small")

	_, err := e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestEmbed_EmptyVectorIsError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return []float32{}, nil
		},
	}
	if _, err := NewEmbedder(mock, "m").Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for empty vector")
	}
}

func TestEmbed_UsesCache(t *testing.T) {
	var calls atomic.Int32
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			calls.Add(1)
			return bagOfWords(text, 16), nil
		},
	}
	c := cache.NewMemoryClient(10)
	defer c.Close()
	e := NewEmbedder(mock, "m", WithCache(c, 0))

	first, err := e.Embed(context.Background(), "orders by month")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := e.Embed(context.Background(), "orders by month")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("provider called %d times, want 1", calls.Load())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at %d: %v vs %v", i, first[i], second[i])
		}
	}

	// A different model must not share cache entries.
	other := NewEmbedder(mock, "other-model", WithCache(c, 0))
	if _, err := other.Embed(context.Background(), "orders by month"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("provider called %d times, want 2", calls.Load())
	}
}

func TestEmbedBatch_CountMatches(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "text-embedding-3-small")

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Errorf("got %d vectors, want 3", len(vecs))
	}
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	e := NewEmbedder(wordEngine(32), "m")
	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta"}

	vecs, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	for i, text := range texts {
		want := bagOfWords(text, 32)
		for j := range want {
			if vecs[i][j] != want[j] {
				t.Fatalf("vector %d does not belong to %q", i, text)
			}
		}
	}
}

func TestEmbedBatch_ProviderError(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, text string) ([]float32, error) {
			if text == "b" {
				return nil, errors.New("embedding failed")
			}
			return makeVector(384), nil
		},
	}
	e := NewEmbedder(mock, "text-embedding-3-small")

	_, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "embedding failed") {
		t.Errorf("unexpected error message: %v", err)
	}
}

func TestEmbedBatch_EmptyInput(t *testing.T) {
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string, _ string) ([]float32, error) {
			t.Fatal("should not be called for empty input")
			return nil, nil
		},
	}
	e := NewEmbedder(mock, "text-embedding-3-small")

	vecs, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs != nil {
		t.Errorf("got %v, want nil", vecs)
	}
}
