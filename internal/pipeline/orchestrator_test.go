package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/cube"
	"github.com/kalambet/askcube/internal/engine"
	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/storage"
	"github.com/kalambet/askcube/internal/synthesis"
)

const testDim = 64

// --- mock engine (for retrieval.Embedder) ---

type wordEngine struct{}

func (wordEngine) Chat(context.Context, string, []engine.Message, *engine.Schema) (string, error) {
	return "", errors.New("not implemented")
}

// Embed is a deterministic bag-of-words embedding.
func (wordEngine) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	v := make([]float32, testDim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[h.Sum32()%testDim]++
	}
	var n float64
	for _, f := range v {
		n += float64(f * f)
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / math.Sqrt(n))
	}
	return v, nil
}

// --- mock catalog loader ---

type mockCatalog struct {
	err error
}

func (m *mockCatalog) LoadCatalog(context.Context) (*cube.Catalog, error) {
	if m.err != nil {
		return nil, m.err
	}
	return cube.NewCatalog(map[string]*cube.Cube{
		"Orders": {
			Measures:   []*cube.Member{{Name: "Orders.revenue", Type: "number"}},
			Dimensions: []*cube.Member{{Name: "Orders.productName", Type: "string"}, {Name: "Orders.createdAt", Type: "time"}},
		},
	}, nil), nil
}

// --- mock synthesizer ---

type mockSynth struct {
	synthFn func(ctx context.Context, text string, cat *cube.Catalog) (synthesis.Result, error)
	mu      sync.Mutex
	texts   []string
}

func (m *mockSynth) Synthesize(ctx context.Context, text string, cat *cube.Catalog) (synthesis.Result, error) {
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return m.synthFn(ctx, text, cat)
}

func synthReturning(q *cube.Query, err error) *mockSynth {
	return &mockSynth{synthFn: func(context.Context, string, *cube.Catalog) (synthesis.Result, error) {
		return synthesis.Result{RequestID: uuid.New().String(), Query: q}, err
	}}
}

// --- mock executor ---

type mockExec struct {
	execFn func(ctx context.Context, q cube.Query) cube.ExecResult
}

func (m *mockExec) Execute(ctx context.Context, q cube.Query) cube.ExecResult {
	return m.execFn(ctx, q)
}

func execReturning(res cube.ExecResult) *mockExec {
	return &mockExec{execFn: func(context.Context, cube.Query) cube.ExecResult { return res }}
}

// --- mock formatter ---

type mockFormatter struct {
	userQuery string
}

func (m *mockFormatter) Format(_ context.Context, userQuery string, rows []map[string]any) string {
	m.userQuery = userQuery
	return fmt.Sprintf("%d rows", len(rows))
}

// --- mock history ---

type mockHistory struct {
	findFn     func(ctx context.Context, text string, k int) ([]retrieval.Match, error)
	rememberFn func(ctx context.Context, text string, rec retrieval.Record) (string, error)
}

func (m *mockHistory) FindSimilar(ctx context.Context, text string, k int) ([]retrieval.Match, error) {
	if m.findFn == nil {
		return nil, nil
	}
	return m.findFn(ctx, text, k)
}

func (m *mockHistory) Remember(ctx context.Context, text string, rec retrieval.Record) (string, error) {
	return m.rememberFn(ctx, text, rec)
}

// --- mock audit log ---

type mockAudit struct {
	saved    []storage.Interaction
	feedback map[string]int
}

func (m *mockAudit) SaveInteraction(i storage.Interaction) error {
	m.saved = append(m.saved, i)
	return nil
}

func (m *mockAudit) UpdateFeedback(id string, score int, _ string) error {
	if m.feedback == nil {
		m.feedback = map[string]int{}
	}
	m.feedback[id] = score
	return nil
}

// --- helpers ---

func revenueQuery() *cube.Query {
	limit := 5
	return &cube.Query{
		Measures:   []string{"Orders.revenue"},
		Dimensions: []string{"Orders.productName"},
		TimeDimensions: []cube.TimeDimension{
			{Dimension: "Orders.createdAt", DateRange: []string{"2023-01-01", "2023-12-31"}},
		},
		Order: cube.Order{{Member: "Orders.revenue", Direction: "desc"}},
		Limit: &limit,
	}
}

func okRows() cube.ExecResult {
	return cube.ExecResult{Status: 200, Rows: []map[string]any{
		{"Orders.productName": "Widget", "Orders.revenue": "1200"},
		{"Orders.productName": "Gadget", "Orders.revenue": "900"},
	}}
}

type harness struct {
	store *retrieval.HistoryStore
	ret   *retrieval.Retriever
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store, err := retrieval.OpenHistoryStore(retrieval.MemoryDir)
	if err != nil {
		t.Fatalf("OpenHistoryStore: %v", err)
	}
	emb := retrieval.NewEmbedder(wordEngine{}, "test-embed")
	return harness{store: store, ret: retrieval.NewRetriever(emb, store, 0)}
}

func (h harness) orchestrator(synth QuerySynthesizer, exec Executor, fmtr ResponseFormatter, opts ...Option) *Orchestrator {
	return New(&mockCatalog{}, h.ret, h.store, synth, exec, fmtr, opts...)
}

func (h harness) seed(t *testing.T, text string, rating int) string {
	t.Helper()
	meta := retrieval.Metadata{retrieval.KeyStatus: retrieval.StatusPass, retrieval.KeyFeedback: nil}
	if rating > 0 {
		meta[retrieval.KeyFeedback] = retrieval.Feedback{Rating: rating}
	}
	id, err := h.ret.Remember(context.Background(), text, retrieval.Record{Metadata: meta})
	if err != nil {
		t.Fatalf("seeding %q: %v", text, err)
	}
	return id
}

func TestProcessQuery_Scenario(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "Show me the top products by revenue in 2022", 5)

	synth := synthReturning(revenueQuery(), nil)
	fmtr := &mockFormatter{}
	o := h.orchestrator(synth, execReturning(okRows()), fmtr)

	question := "Show me the top 5 products by revenue in 2023"
	out, err := o.ProcessQuery(context.Background(), question)
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if out.State != StateDone {
		t.Fatalf("State = %q, want %q", out.State, StateDone)
	}
	if out.Text != "2 rows" {
		t.Errorf("Text = %q", out.Text)
	}

	wantAug := question + " (Consider previous feedback: Show me the top products by revenue in 2022)"
	if len(synth.texts) != 1 || synth.texts[0] != wantAug {
		t.Errorf("synthesized text = %q, want %q", synth.texts, wantAug)
	}
	if fmtr.userQuery != question {
		t.Errorf("formatter got %q, want the original question", fmtr.userQuery)
	}

	if h.store.Len() != 2 {
		t.Fatalf("store size = %d, want 2", h.store.Len())
	}
	rec, err := h.store.Get(out.RequestID)
	if err != nil {
		t.Fatalf("Get(%s): %v", out.RequestID, err)
	}
	if rec.Query != question {
		t.Errorf("record query = %q, want %q", rec.Query, question)
	}
	if rec.Status() != retrieval.StatusPass || rec.Kind() != retrieval.KindOutcome {
		t.Errorf("status/kind = %q/%q", rec.Status(), rec.Kind())
	}
	if rec.Response == nil || *rec.Response != revenueQuery().String() {
		t.Errorf("response = %v", rec.Response)
	}
	rows, err := rec.ResultRows()
	if err != nil || len(rows) != 2 {
		t.Errorf("ResultRows = %v, %v", rows, err)
	}
	fb, err := rec.Feedback()
	if err != nil || fb != nil {
		t.Errorf("fresh outcome feedback = %v, %v; want nil", fb, err)
	}
	if !strings.Contains(rec.Metadata[retrieval.KeySimilarQueriesInfo].(string), "top products by revenue in 2022") {
		t.Errorf("similar_queries_info missing neighbour: %v", rec.Metadata[retrieval.KeySimilarQueriesInfo])
	}
}

func TestProcessQuery_SynthesisFailed(t *testing.T) {
	h := newHarness(t)
	synth := synthReturning(nil, fmt.Errorf("%w: unparseable", apperrors.ErrSynthesis))
	executed := false
	exec := &mockExec{execFn: func(context.Context, cube.Query) cube.ExecResult {
		executed = true
		return okRows()
	}}
	o := h.orchestrator(synth, exec, &mockFormatter{})

	out, err := o.ProcessQuery(context.Background(), "revenue by moon phase")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if out.State != StateSynthesisFailed {
		t.Errorf("State = %q", out.State)
	}
	if out.Text != SynthesisFailedText {
		t.Errorf("Text = %q", out.Text)
	}
	if executed {
		t.Error("execution must not run after synthesis failure")
	}

	rec, err := h.store.Get(out.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status() != retrieval.StatusFail {
		t.Errorf("status = %q", rec.Status())
	}
	if rec.Response != nil {
		t.Errorf("response = %q, want nil", *rec.Response)
	}
	if !strings.Contains(rec.ErrorMessage(), "unparseable") {
		t.Errorf("error_message = %q", rec.ErrorMessage())
	}
}

func TestProcessQuery_ExecutionFailed(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(
		synthReturning(revenueQuery(), nil),
		execReturning(cube.ExecResult{Status: 400, Message: "Bad request. The query format might be incorrect."}),
		&mockFormatter{},
	)

	out, err := o.ProcessQuery(context.Background(), "top products")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if out.State != StateExecutionFailed {
		t.Errorf("State = %q", out.State)
	}
	if !strings.HasPrefix(out.Text, "No data available") {
		t.Errorf("Text = %q", out.Text)
	}

	rec, err := h.store.Get(out.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status() != retrieval.StatusFail {
		t.Errorf("status = %q", rec.Status())
	}
	if rec.ErrorMessage() != "Bad request. The query format might be incorrect." {
		t.Errorf("error_message = %q", rec.ErrorMessage())
	}
	if rec.StructuredQuery() == "" {
		t.Error("failed execution should keep the structured query")
	}
}

func TestProcessQuery_CatalogUnavailableStoresNothing(t *testing.T) {
	h := newHarness(t)
	o := New(&mockCatalog{err: errors.New("dial tcp: connection refused")}, h.ret, h.store,
		synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{})

	_, err := o.ProcessQuery(context.Background(), "top products")
	if !errors.Is(err, apperrors.ErrCatalogUnavailable) {
		t.Fatalf("err = %v, want ErrCatalogUnavailable", err)
	}
	if h.store.Len() != 0 {
		t.Errorf("store size = %d, want 0", h.store.Len())
	}
}

func TestProcessQuery_EmptyQuery(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{})

	_, err := o.ProcessQuery(context.Background(), "   ")
	if !errors.Is(err, apperrors.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestProcessQuery_PersistenceFailure(t *testing.T) {
	history := &mockHistory{
		rememberFn: func(context.Context, string, retrieval.Record) (string, error) {
			return "", errors.New("embed: connection refused")
		},
	}
	o := New(&mockCatalog{}, history, nil, synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{})

	out, err := o.ProcessQuery(context.Background(), "top products")
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if out.RequestID == "" || out.State != StateDone {
		t.Errorf("outcome should still describe the run: %+v", out)
	}
}

// An index still holding vectors from a previous embedding model rejects
// new outcomes until a rebuild commits.
func TestProcessQuery_StaleIndexDimension(t *testing.T) {
	h := newHarness(t)
	if _, err := h.store.Insert(context.Background(), []float32{1, 0, 0}, retrieval.Record{Query: "old question"}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	o := h.orchestrator(synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{})

	out, err := o.ProcessQuery(context.Background(), "top products")
	if !errors.Is(err, apperrors.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if out.RequestID == "" || out.State != StateDone {
		t.Errorf("outcome should still carry the request id: %+v", out)
	}
	if h.store.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.store.Len())
	}
}

func TestProcessQuery_HistoryLookupFailureDegrades(t *testing.T) {
	var stored retrieval.Record
	history := &mockHistory{
		findFn: func(context.Context, string, int) ([]retrieval.Match, error) {
			return nil, errors.New("embedding backend down")
		},
		rememberFn: func(_ context.Context, _ string, rec retrieval.Record) (string, error) {
			stored = rec
			return rec.ID, nil
		},
	}
	synth := synthReturning(revenueQuery(), nil)
	o := New(&mockCatalog{}, history, nil, synth, execReturning(okRows()), &mockFormatter{})

	out, err := o.ProcessQuery(context.Background(), "top products")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if synth.texts[0] != "top products" {
		t.Errorf("text should be unaugmented, got %q", synth.texts[0])
	}
	if stored.ID != out.RequestID {
		t.Errorf("stored id = %q, want request id %q", stored.ID, out.RequestID)
	}
}

// TestProcessQuery_TerminalCoverage checks that every run adds exactly one
// outcome record, whatever terminal state it reaches.
func TestProcessQuery_TerminalCoverage(t *testing.T) {
	h := newHarness(t)

	call := 0
	synth := &mockSynth{synthFn: func(context.Context, string, *cube.Catalog) (synthesis.Result, error) {
		call++
		res := synthesis.Result{RequestID: uuid.New().String()}
		if call%3 == 0 {
			return res, apperrors.ErrSynthesis
		}
		res.Query = revenueQuery()
		return res, nil
	}}
	execCall := 0
	exec := &mockExec{execFn: func(context.Context, cube.Query) cube.ExecResult {
		execCall++
		if execCall%2 == 0 {
			return cube.ExecResult{Status: 422, Message: "Invalid dimensions or measures."}
		}
		return okRows()
	}}
	o := h.orchestrator(synth, exec, &mockFormatter{})

	seen := map[State]int{}
	for i := 0; i < 9; i++ {
		before := h.store.Len()
		out, err := o.ProcessQuery(context.Background(), fmt.Sprintf("question number %d", i))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if !out.State.Terminal() {
			t.Errorf("run %d ended in non-terminal state %q", i, out.State)
		}
		seen[out.State]++
		if got := h.store.Len(); got != before+1 {
			t.Fatalf("run %d: store grew %d -> %d, want exactly one record", i, before, got)
		}
		if _, err := h.store.Get(out.RequestID); err != nil {
			t.Errorf("run %d: outcome not stored under request id: %v", i, err)
		}
	}
	for _, s := range []State{StateDone, StateSynthesisFailed, StateExecutionFailed} {
		if seen[s] == 0 {
			t.Errorf("state %q never reached", s)
		}
	}
}

func TestProcessQuery_AuditLog(t *testing.T) {
	h := newHarness(t)
	audit := &mockAudit{}
	o := h.orchestrator(synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{}, WithAuditLog(audit))

	out, err := o.ProcessQuery(context.Background(), "top products")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if len(audit.saved) != 1 {
		t.Fatalf("audit rows = %d, want 1", len(audit.saved))
	}
	got := audit.saved[0]
	if got.ID != out.RequestID || got.Status != retrieval.StatusPass || got.State != string(StateDone) {
		t.Errorf("audit row = %+v", got)
	}
	if got.StructuredQuery == "" {
		t.Error("audit row should carry the structured query")
	}
}
