// Package synthesis turns a natural-language question into a validated
// Cube.js query, grounded in the live catalog and in similar past questions.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/cube"
	"github.com/kalambet/askcube/internal/engine"
	"github.com/kalambet/askcube/internal/retrieval"
)

// History finds and records past questions. retrieval.Retriever implements
// it.
type History interface {
	FindSimilar(ctx context.Context, text string, k int) ([]retrieval.Match, error)
	Remember(ctx context.Context, text string, rec retrieval.Record) (string, error)
}

// Config tunes a Synthesizer.
type Config struct {
	ChatModel        string
	ContextK         int
	HistoryBudget    int
	SummarizeHistory bool
	PersistDrafts    bool
	DefaultOrder     string
}

// DefaultConfig returns the standard synthesis settings.
func DefaultConfig() Config {
	return Config{
		ContextK:         15,
		HistoryBudget:    3000,
		SummarizeHistory: true,
		PersistDrafts:    true,
		DefaultOrder:     "Orders.orderCount",
	}
}

// Result is the outcome of one synthesis. RequestID is always set; Query is
// nil when synthesis failed.
type Result struct {
	RequestID string
	Query     *cube.Query
	History   []retrieval.Match
	Raw       string
	Repairs   RepairReport
	DraftID   string
}

// Synthesizer produces structured queries with one completion call.
type Synthesizer struct {
	engine     engine.Engine
	history    History
	summarizer Summarizer
	cfg        Config
}

// New creates a Synthesizer. summarizer may be nil, in which case stored
// results are shown as raw rows.
func New(e engine.Engine, history History, summarizer Summarizer, cfg Config) *Synthesizer {
	if cfg.ContextK <= 0 {
		cfg.ContextK = DefaultConfig().ContextK
	}
	return &Synthesizer{engine: e, history: history, summarizer: summarizer, cfg: cfg}
}

// Synthesize builds the prompt for text, asks the model for a query, and
// parses, repairs and validates the answer. Failures wrap
// apperrors.ErrSynthesis and still carry the generated RequestID.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, catalog *cube.Catalog) (Result, error) {
	res := Result{RequestID: uuid.New().String()}
	log := slog.With("request_id", res.RequestID)

	matches, err := s.history.FindSimilar(ctx, text, s.cfg.ContextK)
	if err != nil {
		log.Warn("synthesis: history retrieval failed, continuing without context", "error", err)
		matches = nil
	}
	res.History = matches

	catalogJSON, err := json.MarshalIndent(catalog, "", "  ")
	if err != nil {
		return res, fmt.Errorf("%w: encoding catalog: %v", apperrors.ErrSynthesis, err)
	}
	messages := buildPrompt(text, string(catalogJSON), s.renderHistory(ctx, matches))

	raw, err := s.engine.Chat(ctx, s.cfg.ChatModel, messages, querySchema())
	if err != nil {
		return res, fmt.Errorf("%w: completion failed: %v", apperrors.ErrSynthesis, err)
	}
	res.Raw = raw

	q, err := parseQuery(raw)
	if err != nil {
		log.Warn("synthesis: unparseable completion", "error", err, "response", raw)
		return res, fmt.Errorf("%w: %v", apperrors.ErrSynthesis, err)
	}

	res.Repairs = Repair(q, catalog, s.cfg.DefaultOrder)
	if res.Repairs.Changed() {
		log.Debug("synthesis: repaired query", "repairs", res.Repairs)
	}
	if err := Validate(*q, catalog); err != nil {
		log.Warn("synthesis: query failed validation", "error", err, "query", q.String())
		return res, err
	}
	res.Query = q

	if s.cfg.PersistDrafts {
		res.DraftID = s.persistDraft(ctx, text, res)
	}
	return res, nil
}

// persistDraft stores the synthesized query as its own history entry so
// it informs later questions even if execution never happens. Failure is
// logged only.
func (s *Synthesizer) persistDraft(ctx context.Context, text string, res Result) string {
	serialized := res.Query.String()
	rec := retrieval.Record{
		Query:    text,
		Response: &serialized,
		Metadata: retrieval.Metadata{
			retrieval.KeyKind:            retrieval.KindDraft,
			retrieval.KeyRequestID:       res.RequestID,
			retrieval.KeyStructuredQuery: serialized,
			retrieval.KeyFeedback:        nil,
			retrieval.KeyTimestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		},
	}
	id, err := s.history.Remember(ctx, text, rec)
	if err != nil {
		slog.Warn("synthesis: persisting draft failed", "request_id", res.RequestID, "error", err)
		return ""
	}
	return id
}
