package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/maintenance"
	"github.com/kalambet/askcube/internal/storage"
)

type historyPage struct {
	Total   int `json:"total"`
	Offset  int `json:"offset"`
	Records any `json:"records"`
}

func handleListHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		offset := parseIntParam(r, "offset", 0, 0)
		limit := parseIntParam(r, "limit", 20, 500)
		records, total := deps.History.List(offset, limit)
		writeJSON(w, http.StatusOK, historyPage{Total: total, Offset: offset, Records: records})
	}
}

func handleGetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		rec, err := deps.History.Get(id)
		if errors.Is(err, apperrors.ErrNotFound) {
			httpError(w, http.StatusNotFound, "record %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.History.Delete(r.Context(), id)
		if errors.Is(err, apperrors.ErrNotFound) {
			httpError(w, http.StatusNotFound, "record %s not found", id)
			return
		}
		if err != nil {
			slog.Error("api: deleting history record failed", "id", id, "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleResetHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("confirm") != "true" {
			httpError(w, http.StatusBadRequest, "pass confirm=true to delete the whole history")
			return
		}
		if err := deps.History.DeleteAll(r.Context()); err != nil {
			slog.Error("api: resetting history failed", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type rebuildRequest struct {
	Reason string `json:"reason"`
}

func handleRebuildHistory(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rebuildRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid request body: %v", err)
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "manual"
		}

		id, queued, err := maintenance.EnqueueRebuild(deps.Store, req.Reason)
		if err != nil {
			slog.Error("api: enqueueing rebuild failed", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "queued": queued})
	}
}

type jobView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   string          `json:"created_at"`
	UpdatedAt   string          `json:"updated_at"`
	LastError   string          `json:"last_error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func newJobView(j storage.Job) jobView {
	v := jobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
		LastError:   j.LastError,
	}
	if j.ResultJSON != "" && json.Valid([]byte(j.ResultJSON)) {
		v.Result = json.RawMessage(j.ResultJSON)
	}
	return v
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Store.ListJobs(parseIntParam(r, "limit", 20, 200))
		if err != nil {
			slog.Error("api: listing jobs failed", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		out := make([]jobView, len(jobs))
		for i, j := range jobs {
			out[i] = newJobView(j)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "job %s not found", id)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		writeJSON(w, http.StatusOK, newJobView(job))
	}
}

type interactionView struct {
	ID                string `json:"id"`
	CreatedAt         string `json:"created_at"`
	UserQuery         string `json:"user_query"`
	AugmentedQuery    string `json:"augmented_query,omitempty"`
	StructuredQuery   string `json:"structured_query,omitempty"`
	State             string `json:"state"`
	Status            string `json:"status"`
	ErrorMessage      string `json:"error_message,omitempty"`
	FormattedResponse string `json:"formatted_response,omitempty"`
	DurationMs        int64  `json:"duration_ms"`
	FeedbackScore     int    `json:"feedback_score,omitempty"`
	FeedbackNotes     string `json:"feedback_notes,omitempty"`
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := deps.Store.GetRecentInteractions(parseIntParam(r, "limit", 20, 500))
		if err != nil {
			slog.Error("api: listing interactions failed", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		out := make([]interactionView, len(rows))
		for i, ix := range rows {
			out[i] = interactionView{
				ID:                ix.ID,
				CreatedAt:         ix.CreatedAt.Format(time.RFC3339),
				UserQuery:         ix.UserQuery,
				AugmentedQuery:    ix.AugmentedQuery,
				StructuredQuery:   ix.StructuredQuery,
				State:             ix.State,
				Status:            ix.Status,
				ErrorMessage:      ix.ErrorMessage,
				FormattedResponse: ix.FormattedResponse,
				DurationMs:        ix.DurationMs,
				FeedbackScore:     ix.FeedbackScore,
				FeedbackNotes:     ix.FeedbackNotes,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type similarView struct {
	ID       string  `json:"id"`
	Query    string  `json:"query"`
	Distance float32 `json:"distance"`
	Status   string  `json:"status,omitempty"`
	Rating   *int    `json:"rating,omitempty"`
}

func handleSimilar(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "q is required")
			return
		}
		matches, err := deps.Similar.FindSimilar(r.Context(), q, parseIntParam(r, "k", 5, 50))
		if err != nil {
			slog.Error("api: similar lookup failed", "error", err)
			httpError(w, http.StatusInternalServerError, internalErrorDetail)
			return
		}
		writeJSON(w, http.StatusOK, similarViews(matches))
	}
}
