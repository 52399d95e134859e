// Package pipeline drives one question from text to formatted answer and
// records what happened, so that later questions can learn from it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/cube"
	"github.com/kalambet/askcube/internal/formatter"
	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/storage"
	"github.com/kalambet/askcube/internal/synthesis"
)

// State is a step of the question lifecycle.
type State string

const (
	StateRetrievingContext State = "retrieving_context"
	StateSynthesizing      State = "synthesizing"
	StateSynthesisFailed   State = "synthesis_failed"
	StateExecuting         State = "executing"
	StateExecutionFailed   State = "execution_failed"
	StateFormatting        State = "formatting"
	StateDone              State = "done"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	return s == StateSynthesisFailed || s == StateExecutionFailed || s == StateDone
}

// User-facing texts for the failure states.
const (
	SynthesisFailedText = "Unable to generate Cube.js query."
	ExecutionFailedText = "Unable to generate data from Cube.js query."
)

// CatalogLoader fetches the semantic layer's schema.
type CatalogLoader interface {
	LoadCatalog(ctx context.Context) (*cube.Catalog, error)
}

// Executor runs a structured query. It reports failures in the result.
type Executor interface {
	Execute(ctx context.Context, q cube.Query) cube.ExecResult
}

// QuerySynthesizer turns text into a structured query.
type QuerySynthesizer interface {
	Synthesize(ctx context.Context, text string, catalog *cube.Catalog) (synthesis.Result, error)
}

// ResponseFormatter renders rows as prose. It never fails.
type ResponseFormatter interface {
	Format(ctx context.Context, userQuery string, rows []map[string]any) string
}

// RecordStore amends stored records by id.
type RecordStore interface {
	UpdateMetadata(ctx context.Context, id string, patch map[string]any) (retrieval.Record, error)
}

// AuditLog keeps a queryable row per request. *storage.Store implements it.
type AuditLog interface {
	SaveInteraction(i storage.Interaction) error
	UpdateFeedback(id string, score int, notes string) error
}

// Outcome is what the caller gets back from ProcessQuery.
type Outcome struct {
	Text      string
	RequestID string
	State     State
	Query     *cube.Query
	// Augmented is the text actually handed to synthesis.
	Augmented string
}

// Orchestrator runs the ask and feedback flows.
type Orchestrator struct {
	catalog   CatalogLoader
	history   synthesis.History
	records   RecordStore
	synth     QuerySynthesizer
	exec      Executor
	formatter ResponseFormatter
	audit     AuditLog
	augmentK  int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAuditLog records every run and feedback submission in log.
func WithAuditLog(log AuditLog) Option {
	return func(o *Orchestrator) { o.audit = log }
}

// WithAugmentK sets how many neighbours are considered for augmentation
// (default 5).
func WithAugmentK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.augmentK = k
		}
	}
}

// New creates an Orchestrator wired to its collaborators.
func New(
	catalog CatalogLoader,
	history synthesis.History,
	records RecordStore,
	synth QuerySynthesizer,
	exec Executor,
	fmtr ResponseFormatter,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		catalog:   catalog,
		history:   history,
		records:   records,
		synth:     synth,
		exec:      exec,
		formatter: fmtr,
		augmentK:  5,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// run accumulates the state of one ProcessQuery call.
type run struct {
	start     time.Time
	text      string
	augmented string
	similar   []retrieval.Match
	synth     synthesis.Result
	state     State
	log       *slog.Logger
}

// ProcessQuery answers one question:
//  1. Load the catalog. Failure aborts with ErrCatalogUnavailable and
//     nothing is recorded.
//  2. Find similar past questions and fold in the best-rated one.
//  3. Synthesize a structured query.
//  4. Execute it.
//  5. Format the rows.
//
// Every run that gets past step 1 stores exactly one outcome record whose
// id is the returned RequestID. Synthesis and execution failures are
// ordinary outcomes, not errors. An error is returned only for catalog
// failure, invalid input, or when the outcome could not be stored
// (ErrPersistence).
func (o *Orchestrator) ProcessQuery(ctx context.Context, text string) (Outcome, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Outcome{}, fmt.Errorf("%w: empty query", apperrors.ErrInvalidInput)
	}
	r := &run{start: time.Now(), text: text, state: StateRetrievingContext, log: slog.Default()}

	catalog, err := o.catalog.LoadCatalog(ctx)
	if err != nil {
		if !errors.Is(err, apperrors.ErrCatalogUnavailable) {
			err = fmt.Errorf("%w: %v", apperrors.ErrCatalogUnavailable, err)
		}
		return Outcome{State: r.state}, err
	}

	similar, err := o.history.FindSimilar(ctx, text, o.augmentK)
	if err != nil {
		slog.Warn("pipeline: similar query lookup failed, continuing unaugmented", "error", err)
		similar = nil
	}
	r.similar = similar
	var chosen *retrieval.Match
	r.augmented, chosen = Augment(text, similar)
	if chosen != nil {
		slog.Debug("pipeline: augmented with past feedback", "match_id", chosen.ID)
	}

	r.state = StateSynthesizing
	r.synth, err = o.synth.Synthesize(ctx, r.augmented, catalog)
	if r.synth.RequestID == "" {
		r.synth.RequestID = uuid.New().String()
	}
	r.log = slog.With("request_id", r.synth.RequestID)
	if err != nil || r.synth.Query == nil {
		if err == nil {
			err = apperrors.ErrSynthesis
		}
		r.state = StateSynthesisFailed
		r.synth.Query = nil
		r.log.Warn("pipeline: synthesis failed", "error", err, "completion", r.synth.Raw)
		return o.finish(ctx, r, SynthesisFailedText, retrieval.Metadata{
			retrieval.KeyStatus:       retrieval.StatusFail,
			retrieval.KeyErrorMessage: err.Error(),
		})
	}

	r.state = StateExecuting
	res := o.exec.Execute(ctx, *r.synth.Query)
	if !res.OK() {
		r.state = StateExecutionFailed
		diag := res.Message
		if res.Status == 0 && diag == "" {
			diag = ExecutionFailedText
		}
		r.log.Warn("pipeline: execution failed", "status", res.Status, "message", diag)
		return o.finish(ctx, r, formatter.NoData+". "+diag, retrieval.Metadata{
			retrieval.KeyStatus:          retrieval.StatusFail,
			retrieval.KeyErrorMessage:    diag,
			retrieval.KeyStructuredQuery: r.synth.Query.String(),
		})
	}

	r.state = StateFormatting
	formatted := o.formatter.Format(ctx, text, res.Rows)
	r.state = StateDone
	return o.finish(ctx, r, formatted, retrieval.Metadata{
		retrieval.KeyStatus:            retrieval.StatusPass,
		retrieval.KeyErrorMessage:      nil,
		retrieval.KeyStructuredQuery:   r.synth.Query.String(),
		retrieval.KeyResultData:        res.Rows,
		retrieval.KeyFormattedResponse: formatted,
	})
}

// finish stores the outcome record for a terminal run and builds the
// Outcome. Storage runs on a context detached from the caller so a
// disconnecting client does not lose the record.
func (o *Orchestrator) finish(ctx context.Context, r *run, text string, meta retrieval.Metadata) (Outcome, error) {
	out := Outcome{
		Text:      text,
		RequestID: r.synth.RequestID,
		State:     r.state,
		Query:     r.synth.Query,
		Augmented: r.augmented,
	}

	meta[retrieval.KeyKind] = retrieval.KindOutcome
	meta[retrieval.KeyRequestID] = out.RequestID
	meta[retrieval.KeyFeedback] = nil
	meta[retrieval.KeySimilarQueriesInfo] = summarizeSimilar(r.similar)
	meta[retrieval.KeyTimestamp] = time.Now().UTC().Format(time.RFC3339Nano)
	if r.augmented != r.text {
		meta[retrieval.KeyAugmentedQuery] = r.augmented
	}

	var response *string
	if out.Query != nil {
		s := out.Query.String()
		response = &s
	}
	rec := retrieval.Record{
		ID:       out.RequestID,
		Query:    r.text,
		Response: response,
		Metadata: meta,
	}

	storeCtx := context.WithoutCancel(ctx)
	if _, err := o.history.Remember(storeCtx, r.text, rec); err != nil {
		if !errors.Is(err, apperrors.ErrPersistence) {
			err = fmt.Errorf("%w: %v", apperrors.ErrPersistence, err)
		}
		r.log.Error("pipeline: storing outcome failed", "state", r.state, "error", err)
		return out, fmt.Errorf("storing outcome %s: %w", out.RequestID, err)
	}

	o.recordInteraction(r, out, meta)
	r.log.Info("pipeline: query processed", "state", out.State, "duration_ms", time.Since(r.start).Milliseconds())
	return out, nil
}

func (o *Orchestrator) recordInteraction(r *run, out Outcome, meta retrieval.Metadata) {
	if o.audit == nil {
		return
	}
	i := storage.Interaction{
		ID:             out.RequestID,
		CreatedAt:      r.start,
		UserQuery:      r.text,
		AugmentedQuery: r.augmented,
		State:          string(out.State),
		Status:         retrieval.StatusFail,
		DurationMs:     time.Since(r.start).Milliseconds(),
	}
	if out.Query != nil {
		i.StructuredQuery = out.Query.String()
	}
	if out.State == StateDone {
		i.Status = retrieval.StatusPass
		i.FormattedResponse = out.Text
	}
	if msg, ok := meta[retrieval.KeyErrorMessage].(string); ok {
		i.ErrorMessage = msg
	}
	if err := o.audit.SaveInteraction(i); err != nil {
		slog.Warn("pipeline: audit log write failed", "request_id", out.RequestID, "error", err)
	}
}
