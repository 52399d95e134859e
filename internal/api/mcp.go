package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/retrieval"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline Asker
	Similar  SimilarFinder
	Version  string
}

// NewMCPServer creates an MCP server exposing ask, submit_feedback and
// similar_queries.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"askcube",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("askcube answers natural-language questions against a Cube.js semantic layer. Rate answers with submit_feedback so later questions can learn from them."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer a natural-language question about the data in the semantic layer."),
			mcp.WithString("query", mcp.Description("The question to answer"), mcp.Required()),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_feedback",
			mcp.WithDescription("Rate a previous answer from 1 (bad) to 5 (great)."),
			mcp.WithString("request_id", mcp.Description("request_id returned by ask"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 to 5"), mcp.Required()),
			mcp.WithString("message", mcp.Description("Optional comment")),
		),
		mcpSubmitFeedback(deps),
	)

	if deps.Similar != nil {
		s.AddTool(
			mcp.NewTool("similar_queries",
				mcp.WithDescription("List past questions similar to the given text, closest first."),
				mcp.WithString("query", mcp.Description("Text to compare against"), mcp.Required()),
				mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			),
			mcpSimilarQueries(deps),
		)
	}

	return s
}

type mcpAskResult struct {
	RequestID string `json:"request_id"`
	State     string `json:"state"`
	Answer    string `json:"answer"`
	Query     string `json:"cube_query,omitempty"`
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		out, err := deps.Pipeline.ProcessQuery(ctx, query)
		if err != nil {
			if errors.Is(err, apperrors.ErrCatalogUnavailable) {
				return mcpError("semantic layer unavailable"), nil
			}
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		res := mcpAskResult{RequestID: out.RequestID, State: string(out.State), Answer: out.Text}
		if out.Query != nil {
			res.Query = out.Query.String()
		}
		b, err := json.Marshal(res)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSubmitFeedback(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("request_id")
		if err != nil {
			return mcpError("request_id is required"), nil
		}
		rating, err := req.RequireInt("rating")
		if err != nil {
			return mcpError("rating is required"), nil
		}
		var message *string
		if m := req.GetString("message", ""); m != "" {
			message = &m
		}

		err = deps.Pipeline.SubmitFeedback(ctx, id, rating, message)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			return mcpError("Request ID not found"), nil
		case err != nil:
			return mcpError(fmt.Sprintf("feedback failed: %v", err)), nil
		}
		return mcpText("Feedback submitted successfully"), nil
	}
}

func mcpSimilarQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}
		limit := req.GetInt("limit", 5)
		if limit <= 0 {
			limit = 5
		}
		if limit > 50 {
			limit = 50
		}

		matches, err := deps.Similar.FindSimilar(ctx, query, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("lookup failed: %v", err)), nil
		}
		b, err := json.Marshal(similarViews(matches))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func similarViews(matches []retrieval.Match) []similarView {
	out := make([]similarView, len(matches))
	for i, m := range matches {
		v := similarView{ID: m.ID, Query: m.Query, Distance: m.Distance, Status: m.Status()}
		if r, ok := m.Rating(); ok {
			v.Rating = &r
		}
		out[i] = v
	}
	return out
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
