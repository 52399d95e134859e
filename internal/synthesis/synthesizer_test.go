package synthesis

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/engine"
	"github.com/kalambet/askcube/internal/retrieval"
)

type mockEngine struct {
	chatFn func(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error)
}

func (m *mockEngine) Chat(ctx context.Context, model string, messages []engine.Message, schema *engine.Schema) (string, error) {
	return m.chatFn(ctx, model, messages, schema)
}
func (m *mockEngine) Embed(context.Context, string, string) ([]float32, error) {
	return nil, errors.New("not implemented")
}

type mockHistory struct {
	mu         sync.Mutex
	findFn     func(ctx context.Context, text string, k int) ([]retrieval.Match, error)
	rememberFn func(ctx context.Context, text string, rec retrieval.Record) (string, error)
	remembered []retrieval.Record
}

func (m *mockHistory) FindSimilar(ctx context.Context, text string, k int) ([]retrieval.Match, error) {
	if m.findFn != nil {
		return m.findFn(ctx, text, k)
	}
	return nil, nil
}

func (m *mockHistory) Remember(ctx context.Context, text string, rec retrieval.Record) (string, error) {
	m.mu.Lock()
	m.remembered = append(m.remembered, rec)
	m.mu.Unlock()
	if m.rememberFn != nil {
		return m.rememberFn(ctx, text, rec)
	}
	return "draft-1", nil
}

type mockSummarizer struct {
	summarizeFn func(ctx context.Context, rows []map[string]any) (string, error)
}

func (m *mockSummarizer) Summarize(ctx context.Context, rows []map[string]any) (string, error) {
	return m.summarizeFn(ctx, rows)
}

func chatReturning(resp string, err error) *mockEngine {
	return &mockEngine{chatFn: func(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
		return resp, err
	}}
}

func TestSynthesize_Success(t *testing.T) {
	var prompt string
	eng := &mockEngine{chatFn: func(_ context.Context, model string, msgs []engine.Message, schema *engine.Schema) (string, error) {
		if model != "gpt-4o-mini" {
			t.Errorf("model = %q", model)
		}
		if schema == nil {
			t.Error("expected a JSON schema")
		}
		prompt = msgs[1].Content
		return `{"measures":["Orders.count"],"filters":[],"timeDimensions":[{"dimension":"Orders.createdAt","dateRange":"last month"}]}`, nil
	}}
	hist := &mockHistory{
		findFn: func(_ context.Context, text string, k int) ([]retrieval.Match, error) {
			if k != 15 {
				t.Errorf("k = %d, want 15", k)
			}
			return []retrieval.Match{{Record: retrieval.Record{
				ID: "old", Query: "orders last week",
				Metadata: retrieval.Metadata{
					retrieval.KeyStatus:          retrieval.StatusPass,
					retrieval.KeyStructuredQuery: `{"measures":["Orders.count"]}`,
					retrieval.KeyFeedback:        `{"rating":5,"message":null}`,
				},
			}}}, nil
		},
	}
	cfg := DefaultConfig()
	cfg.ChatModel = "gpt-4o-mini"
	s := New(eng, hist, nil, cfg)

	res, err := s.Synthesize(context.Background(), "total orders last month", testCatalog())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.RequestID == "" || res.Query == nil {
		t.Fatalf("result = %+v", res)
	}
	if got := res.Query.String(); got != `{"measures":["Orders.count"],"timeDimensions":[{"dimension":"Orders.createdAt","dateRange":"last month"}],"order":{"Orders.count":"desc"}}` {
		t.Errorf("query = %s", got)
	}

	for _, want := range []string{`"ecom_view"`, "Previous Query: orders last week", "Rating: 5", "Data: No data available", `"total orders last month"`} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	if res.DraftID != "draft-1" || len(hist.remembered) != 1 {
		t.Fatalf("draft not persisted: %+v", hist.remembered)
	}
	draft := hist.remembered[0]
	if draft.Kind() != retrieval.KindDraft || draft.Metadata[retrieval.KeyRequestID] != res.RequestID {
		t.Errorf("draft metadata = %v", draft.Metadata)
	}
	if draft.Response == nil || *draft.Response != res.Query.String() {
		t.Errorf("draft response = %v", draft.Response)
	}
}

func TestSynthesize_ParseFailure(t *testing.T) {
	hist := &mockHistory{}
	s := New(chatReturning("Sorry, I can't help with that.", nil), hist, nil, DefaultConfig())

	res, err := s.Synthesize(context.Background(), "q", testCatalog())
	if !errors.Is(err, apperrors.ErrSynthesis) {
		t.Fatalf("got %v, want ErrSynthesis", err)
	}
	if res.RequestID == "" {
		t.Error("RequestID must be set on failure")
	}
	if res.Query != nil {
		t.Error("Query must be nil on failure")
	}
	if res.Raw != "Sorry, I can't help with that." {
		t.Errorf("Raw = %q, want the unparsed completion", res.Raw)
	}
	if len(hist.remembered) != 0 {
		t.Error("no draft may be stored for a failed synthesis")
	}
}

func TestSynthesize_CompletionError(t *testing.T) {
	s := New(chatReturning("", errors.New("rate limited")), &mockHistory{}, nil, DefaultConfig())
	res, err := s.Synthesize(context.Background(), "q", testCatalog())
	if !errors.Is(err, apperrors.ErrSynthesis) || res.RequestID == "" {
		t.Errorf("got %v, %+v", err, res)
	}
}

func TestSynthesize_UnknownMemberRejected(t *testing.T) {
	s := New(chatReturning(`{"measures":["Orders.revenue"]}`, nil), &mockHistory{}, nil, DefaultConfig())
	_, err := s.Synthesize(context.Background(), "q", testCatalog())
	if !errors.Is(err, apperrors.ErrSynthesis) || !strings.Contains(err.Error(), "Orders.revenue") {
		t.Errorf("got %v", err)
	}
}

func TestSynthesize_DegradesWithoutHistoryOrDraft(t *testing.T) {
	hist := &mockHistory{
		findFn: func(context.Context, string, int) ([]retrieval.Match, error) {
			return nil, errors.New("embedding provider down")
		},
		rememberFn: func(context.Context, string, retrieval.Record) (string, error) {
			return "", apperrors.ErrPersistence
		},
	}
	s := New(chatReturning(`{"measures":["Orders.count"]}`, nil), hist, nil, DefaultConfig())

	res, err := s.Synthesize(context.Background(), "q", testCatalog())
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if res.Query == nil || res.DraftID != "" {
		t.Errorf("result = %+v", res)
	}
}

func TestSynthesize_DraftsDisabled(t *testing.T) {
	hist := &mockHistory{}
	cfg := DefaultConfig()
	cfg.PersistDrafts = false
	s := New(chatReturning(`{"measures":["Orders.count"]}`, nil), hist, nil, cfg)

	if _, err := s.Synthesize(context.Background(), "q", testCatalog()); err != nil {
		t.Fatal(err)
	}
	if len(hist.remembered) != 0 {
		t.Errorf("draft stored although disabled")
	}
}

func TestRenderHistory(t *testing.T) {
	rec := func(id, query, rows string) retrieval.Match {
		md := retrieval.Metadata{retrieval.KeyStatus: retrieval.StatusPass}
		if rows != "" {
			md[retrieval.KeyResultData] = rows
		}
		return retrieval.Match{Record: retrieval.Record{ID: id, Query: query, Metadata: md}}
	}
	matches := []retrieval.Match{
		rec("a", "orders by status", `[{"Orders.status":"completed","Orders.count":"3"}]`),
		rec("b", "broken summary", `[{"Orders.count":"7"}]`),
		rec("c", "no rows", ""),
	}

	sum := &mockSummarizer{summarizeFn: func(_ context.Context, rows []map[string]any) (string, error) {
		if rows[0]["Orders.count"] == "7" {
			return "", errors.New("timeout")
		}
		return "Three completed orders.", nil
	}}
	cfg := DefaultConfig()
	s := New(chatReturning("", nil), &mockHistory{}, sum, cfg)

	block := s.renderHistory(context.Background(), matches)
	for _, want := range []string{
		"Data: Three completed orders.",
		"Data: Orders.count: 7",
		"Previous Query: no rows\nStatus: pass\nRating: None\nCube.js Query: None\nData: No data available",
	} {
		if !strings.Contains(block, want) {
			t.Errorf("history block missing %q:\n%s", want, block)
		}
	}
	if strings.Index(block, "orders by status") > strings.Index(block, "no rows") {
		t.Error("history entries must keep nearest-first order")
	}

	cfg.SummarizeHistory = false
	raw := New(chatReturning("", nil), &mockHistory{}, &mockSummarizer{summarizeFn: func(context.Context, []map[string]any) (string, error) {
		t.Fatal("summarizer must not run when disabled")
		return "", nil
	}}, cfg).renderHistory(context.Background(), matches[:1])
	if !strings.Contains(raw, "Orders.count: 3\nOrders.status: completed") {
		t.Errorf("raw history = %q", raw)
	}
}

func TestRenderHistory_Budget(t *testing.T) {
	long := strings.Repeat("very long question ", 50)
	matches := []retrieval.Match{
		{Record: retrieval.Record{ID: "1", Query: long, Metadata: retrieval.Metadata{}}},
		{Record: retrieval.Record{ID: "2", Query: "short one", Metadata: retrieval.Metadata{}}},
	}
	cfg := DefaultConfig()
	cfg.HistoryBudget = 60
	s := New(chatReturning("", nil), &mockHistory{}, nil, cfg)

	block := s.renderHistory(context.Background(), matches)
	if strings.Contains(block, "very long question") {
		t.Error("oversized entry should be skipped")
	}
	if !strings.Contains(block, "short one") {
		t.Errorf("entry within budget missing: %q", block)
	}
	if EstimateTokens(block) > cfg.HistoryBudget {
		t.Errorf("block uses %d tokens, budget %d", EstimateTokens(block), cfg.HistoryBudget)
	}
}
