// Package formatter turns query results into natural-language answers.
package formatter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kalambet/askcube/internal/engine"
)

const (
	// Apology is returned whenever an answer cannot be produced.
	Apology = "Error formatting response. Please try again later."
	// NoData stands in for an empty result.
	NoData = "No data available"
)

const formatInstructions = `You are an expert in providing concise and relevant responses based on data. You receive a user's question and the data returned by the analytics engine as "field: value" lines.

Instructions:
- Format the response based strictly on the data provided. Do not generate additional details or fabricate information.
- Never invent entities, names, or values that are not present in the data.
- If the data contains only counts or numerical values (e.g., product count), do not create a list of items.
- For lists of items or categories, use bullet points or numbered lists only if the data explicitly includes these details.
- If only summary information is available, state this clearly in the response.
- For tabular data, use a markdown table and ensure all rows are included exactly as they appear in the data.
- If there is insufficient data to answer the query fully, clearly state what is missing.
- Keep the response easy to understand, concise, and focused on the user's query.`

const summarizeInstructions = `Summarize the following analytics result in at most two sentences. Use only the values present in the data and do not invent anything. If the data is empty, say that no data was available.`

// Formatter asks a chat model to describe result rows.
type Formatter struct {
	engine engine.Engine
	model  string
}

// New creates a Formatter using the given engine and chat model.
func New(e engine.Engine, model string) *Formatter {
	return &Formatter{engine: e, model: model}
}

// Format answers userQuery from rows. It never fails: any error yields
// Apology.
func (f *Formatter) Format(ctx context.Context, userQuery string, rows []map[string]any) string {
	messages := []engine.Message{
		{Role: engine.RoleSystem, Content: formatInstructions},
		{Role: engine.RoleUser, Content: fmt.Sprintf("User Query: %q\n\nData:\n%s\n\nResponse:", userQuery, FlattenRows(rows))},
	}

	resp, err := f.engine.Chat(ctx, f.model, messages, nil)
	if err != nil {
		slog.Warn("formatting response failed", "error", err)
		return Apology
	}
	resp = strings.TrimSpace(stripThinking(resp))
	if resp == "" {
		slog.Warn("formatting response failed", "error", "empty completion")
		return Apology
	}
	return resp
}

// Summarize condenses rows into a short description used as history
// context. Empty rows summarize to NoData without a model call.
func (f *Formatter) Summarize(ctx context.Context, rows []map[string]any) (string, error) {
	if len(rows) == 0 {
		return NoData, nil
	}
	messages := []engine.Message{
		{Role: engine.RoleSystem, Content: summarizeInstructions},
		{Role: engine.RoleUser, Content: FlattenRows(rows)},
	}
	resp, err := f.engine.Chat(ctx, f.model, messages, nil)
	if err != nil {
		return "", fmt.Errorf("summarizing rows: %w", err)
	}
	resp = strings.TrimSpace(stripThinking(resp))
	if resp == "" {
		return "", errors.New("summarizing rows: empty completion")
	}
	return resp, nil
}

// FlattenRows renders rows as "field: value" lines, fields of each row in
// sorted order. Empty input yields NoData.
func FlattenRows(rows []map[string]any) string {
	if len(rows) == 0 {
		return NoData
	}
	var sb strings.Builder
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			fmt.Fprintf(&sb, "%s: %v", k, formatValue(row[k]))
		}
	}
	return sb.String()
}

func formatValue(v any) any {
	if v == nil {
		return "null"
	}
	return v
}

// stripThinking drops a leading <think>...</think> block some local models
// emit before the answer.
func stripThinking(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "<think>") {
		return s
	}
	if end := strings.Index(trimmed, "</think>"); end >= 0 {
		return trimmed[end+len("</think>"):]
	}
	return s
}
