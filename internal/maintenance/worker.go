// Package maintenance runs history index jobs outside request serving.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/askcube/internal/retrieval"
	"github.com/kalambet/askcube/internal/storage"
)

// JobStore abstracts the job queue operations.
type JobStore interface {
	EnqueueJob(job storage.Job) (string, error)
	ActiveJob(jobType string) (*storage.Job, error)
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string, resultJSON string) error
	FailJob(id string, errMsg string) error
}

// Rebuilder re-embeds the whole history. *retrieval.HistoryStore implements it.
type Rebuilder interface {
	Rebuild(ctx context.Context, embedder retrieval.BatchEmbedder) (retrieval.RebuildStats, error)
}

// RebuildPayload is the payload of a history_rebuild job.
type RebuildPayload struct {
	Reason string `json:"reason,omitempty"`
}

// RebuildResult is stored as the result of a completed history_rebuild job.
type RebuildResult struct {
	Reembedded int    `json:"reembedded"`
	Kept       int    `json:"kept"`
	Dropped    int    `json:"dropped"`
	Dim        int    `json:"dim"`
	DurationMs int64  `json:"duration_ms"`
	Model      string `json:"model,omitempty"`
}

// EnqueueRebuild queues a history rebuild unless one is already pending or
// running, in which case that job's id is returned with queued == false.
func EnqueueRebuild(store JobStore, reason string) (id string, queued bool, err error) {
	active, err := store.ActiveJob(storage.JobHistoryRebuild)
	if err != nil {
		return "", false, fmt.Errorf("checking active rebuild: %w", err)
	}
	if active != nil {
		return active.ID, false, nil
	}

	payload, err := json.Marshal(RebuildPayload{Reason: reason})
	if err != nil {
		return "", false, err
	}
	id, err = store.EnqueueJob(storage.Job{
		Type:        storage.JobHistoryRebuild,
		PayloadJSON: string(payload),
		MaxAttempts: 3,
	})
	if err != nil {
		return "", false, fmt.Errorf("enqueueing rebuild: %w", err)
	}
	return id, true, nil
}

// Worker processes history_rebuild jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	history  Rebuilder
	embedder retrieval.BatchEmbedder
	model    string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies. model is only
// reported in job results. If pollInterval is <= 0, it defaults to 1s.
func NewWorker(store JobStore, history Rebuilder, embedder retrieval.BatchEmbedder, model string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		store:    store,
		history:  history,
		embedder: embedder,
		model:    model,
		poll:     pollInterval,
		logger:   slog.Default().With("component", "maintenance"),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single history_rebuild job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{storage.JobHistoryRebuild})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	result, err := w.processJob(ctx, job)
	if err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID, result); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) (string, error) {
	var payload RebuildPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return "", fmt.Errorf("parsing payload: %w", err)
	}
	w.logger.Info("history rebuild started", "job_id", job.ID, "reason", payload.Reason)

	stats, err := w.history.Rebuild(ctx, w.embedder)
	if err != nil {
		return "", fmt.Errorf("rebuilding history: %w", err)
	}

	res := RebuildResult{
		Reembedded: stats.Reembedded,
		Kept:       stats.Kept,
		Dropped:    stats.Dropped,
		Dim:        stats.Dim,
		DurationMs: stats.Duration.Milliseconds(),
		Model:      w.model,
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	w.logger.Info("history rebuild finished", "job_id", job.ID,
		"reembedded", res.Reembedded, "kept", res.Kept, "dropped", res.Dropped, "duration_ms", res.DurationMs)
	return string(b), nil
}
