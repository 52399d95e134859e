package synthesis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/askcube/internal/formatter"
	"github.com/kalambet/askcube/internal/retrieval"
)

// Summarizer condenses stored result rows into prose.
type Summarizer interface {
	Summarize(ctx context.Context, rows []map[string]any) (string, error)
}

const historyHeader = "Previous Responses:\n"

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// renderHistory turns retrieved records into the prompt's history block,
// nearest first, skipping entries that no longer fit the token budget.
func (s *Synthesizer) renderHistory(ctx context.Context, matches []retrieval.Match) string {
	if len(matches) == 0 {
		return ""
	}
	data := s.describeResults(ctx, matches)

	remaining := s.cfg.HistoryBudget - EstimateTokens(historyHeader)
	var sb strings.Builder
	for i, m := range matches {
		entry := formatEntry(m.Record, data[i])
		tokens := EstimateTokens(entry)
		if s.cfg.HistoryBudget > 0 && tokens > remaining {
			continue
		}
		sb.WriteString(entry)
		remaining -= tokens
	}
	if sb.Len() == 0 {
		return ""
	}
	return historyHeader + sb.String()
}

// describeResults produces the "Data:" line for each match. Stored rows are
// re-summarized through the Summarizer with bounded concurrency; a failed
// summary degrades to the flattened rows.
func (s *Synthesizer) describeResults(ctx context.Context, matches []retrieval.Match) []string {
	out := make([]string, len(matches))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, m := range matches {
		rows, err := m.ResultRows()
		if err != nil {
			slog.Warn("history: unreadable result data", "id", m.ID, "error", err)
		}
		if len(rows) == 0 {
			out[i] = formatter.NoData
			continue
		}
		if !s.cfg.SummarizeHistory || s.summarizer == nil {
			out[i] = formatter.FlattenRows(rows)
			continue
		}
		g.Go(func() error {
			summary, err := s.summarizer.Summarize(gCtx, rows)
			if err != nil {
				slog.Warn("history: summary failed, using raw rows", "id", m.ID, "error", err)
				summary = formatter.FlattenRows(rows)
			}
			out[i] = summary
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors
	return out
}

func formatEntry(r retrieval.Record, data string) string {
	status := r.Status()
	if status == "" {
		status = "unknown"
	}
	rating := "None"
	if v, ok := r.Rating(); ok {
		rating = fmt.Sprint(v)
	}
	query := r.StructuredQuery()
	if query == "" {
		query = "None"
	}
	return fmt.Sprintf("\nPrevious Query: %s\nStatus: %s\nRating: %s\nCube.js Query: %s\nData: %s\n",
		r.Query, status, rating, query, data)
}
