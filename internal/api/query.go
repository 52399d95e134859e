package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/pipeline"
	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/storage"
)

// Asker runs the question and feedback flows. *pipeline.Orchestrator
// implements it.
type Asker interface {
	ProcessQuery(ctx context.Context, text string) (pipeline.Outcome, error)
	SubmitFeedback(ctx context.Context, requestID string, rating int, message *string) error
}

// SimilarFinder looks up past questions close to a text.
type SimilarFinder interface {
	FindSimilar(ctx context.Context, text string, k int) ([]retrieval.Match, error)
}

// HistoryAdmin is the read and delete surface of the question history.
// *retrieval.HistoryStore implements it.
type HistoryAdmin interface {
	Get(id string) (retrieval.Record, error)
	List(offset, limit int) ([]retrieval.Record, int)
	Delete(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Len() int
	Dim() int
}

// AppDeps holds everything the HTTP handlers need.
type AppDeps struct {
	Pipeline Asker
	Similar  SimilarFinder
	History  HistoryAdmin
	Store    *storage.Store
	// Token guards the admin routes and /mcp. Empty disables auth.
	Token string
	// MCP is mounted at /mcp when non-nil.
	MCP http.Handler
}

const internalErrorDetail = "An error occurred while processing your request"

type askRequest struct {
	Query string `json:"query"`
}

type askResponse struct {
	Query         string `json:"query"`
	FormattedData string `json:"formatted_data"`
	RequestID     string `json:"request_id"`
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "Query error: invalid request body: %v", err)
			return
		}

		out, err := deps.Pipeline.ProcessQuery(r.Context(), req.Query)
		switch {
		case errors.Is(err, apperrors.ErrInvalidInput):
			httpError(w, http.StatusBadRequest, "Query error: %v", err)
			return
		case errors.Is(err, apperrors.ErrCatalogUnavailable):
			slog.Warn("api: semantic layer unavailable", "error", err)
			httpError(w, http.StatusServiceUnavailable, "Semantic layer unavailable")
			return
		case err != nil:
			slog.Error("api: ask failed", "request_id", out.RequestID, "error", err)
			if out.RequestID == "" {
				httpError(w, http.StatusInternalServerError, internalErrorDetail)
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"detail":     internalErrorDetail,
				"request_id": out.RequestID,
			})
			return
		}

		if out.State == pipeline.StateSynthesisFailed {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"detail":     "Query error: " + out.Text,
				"request_id": out.RequestID,
			})
			return
		}

		writeJSON(w, http.StatusOK, askResponse{
			Query:         req.Query,
			FormattedData: out.Text,
			RequestID:     out.RequestID,
		})
	}
}

type feedbackRequest struct {
	RequestID string  `json:"request_id"`
	Rating    *int    `json:"rating"`
	Message   *string `json:"message"`
}

func handleFeedback(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req feedbackRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
			return
		}
		if req.RequestID == "" {
			httpError(w, http.StatusBadRequest, "request_id is required")
			return
		}
		if req.Rating == nil {
			httpError(w, http.StatusBadRequest, "rating is required")
			return
		}

		err := deps.Pipeline.SubmitFeedback(r.Context(), req.RequestID, *req.Rating, req.Message)
		switch {
		case errors.Is(err, apperrors.ErrNotFound):
			httpError(w, http.StatusNotFound, "Request ID not found")
			return
		case errors.Is(err, apperrors.ErrInvalidInput):
			httpError(w, http.StatusBadRequest, "%v", err)
			return
		case err != nil:
			slog.Error("api: feedback failed", "request_id", req.RequestID, "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "Feedback submitted successfully",
		})
	}
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.History != nil {
			resp["history_records"] = deps.History.Len()
			resp["index_dim"] = deps.History.Dim()
		}
		if deps.Store != nil {
			if err := deps.Store.Ping(); err != nil {
				resp["status"] = "degraded"
				resp["storage_error"] = err.Error()
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
