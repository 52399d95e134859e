package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kalambet/askcube/internal/pipeline"
	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/storage"
)

const testToken = "test-token-12345"

type mockAsker struct {
	processFn  func(ctx context.Context, text string) (pipeline.Outcome, error)
	feedbackFn func(ctx context.Context, id string, rating int, message *string) error
}

func (m *mockAsker) ProcessQuery(ctx context.Context, text string) (pipeline.Outcome, error) {
	if m.processFn == nil {
		return pipeline.Outcome{}, nil
	}
	return m.processFn(ctx, text)
}

func (m *mockAsker) SubmitFeedback(ctx context.Context, id string, rating int, message *string) error {
	if m.feedbackFn == nil {
		return nil
	}
	return m.feedbackFn(ctx, id, rating, message)
}

type mockSimilar struct {
	matches []retrieval.Match
	err     error
	gotK    int
}

func (m *mockSimilar) FindSimilar(_ context.Context, _ string, k int) ([]retrieval.Match, error) {
	m.gotK = k
	return m.matches, m.err
}

type testEnv struct {
	handler http.Handler
	store   *storage.Store
	history *retrieval.HistoryStore
}

func setupRouter(t *testing.T, token string, asker Asker) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	history, err := retrieval.OpenHistoryStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenHistoryStore: %v", err)
	}
	if asker == nil {
		asker = &mockAsker{}
	}

	h := NewRouter(AppDeps{
		Pipeline: asker,
		Similar:  &mockSimilar{},
		History:  history,
		Store:    store,
		Token:    token,
	})
	return testEnv{handler: h, store: store, history: history}
}

func (e testEnv) insert(t *testing.T, query string, meta retrieval.Metadata) string {
	t.Helper()
	v := []float32{1, float32(e.history.Len()), 0}
	id, err := e.history.Insert(context.Background(), v, retrieval.Record{Query: query, Metadata: meta})
	if err != nil {
		t.Fatalf("Insert(%q): %v", query, err)
	}
	return id
}

func (e testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return m
}
