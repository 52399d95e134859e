package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface. /ask, /feedback and /health are open;
// everything else sits behind BearerAuth(deps.Token).
func NewRouter(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	r.Post("/ask", handleAsk(deps))
	r.Post("/feedback", handleFeedback(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.History != nil {
			r.Get("/history", handleListHistory(deps))
			r.Delete("/history", handleResetHistory(deps))
			r.Get("/history/{id}", handleGetHistory(deps))
			r.Delete("/history/{id}", handleDeleteHistory(deps))
		}
		if deps.Similar != nil {
			r.Get("/similar", handleSimilar(deps))
		}
		if deps.Store != nil {
			r.Post("/history/rebuild", handleRebuildHistory(deps))
			r.Get("/jobs", handleListJobs(deps))
			r.Get("/jobs/{id}", handleGetJob(deps))
			r.Get("/interactions", handleListInteractions(deps))
		}
		if deps.MCP != nil {
			r.Handle("/mcp", deps.MCP)
		}
	})

	return r
}
