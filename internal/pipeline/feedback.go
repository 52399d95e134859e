package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/retrieval"
)

// Rating bounds accepted by SubmitFeedback.
const (
	MinRating = 1
	MaxRating = 5
)

// SubmitFeedback attaches a rating and optional message to the outcome
// stored under requestID. A second submission overwrites the first. The
// record keeps its vector and position; only its metadata changes.
func (o *Orchestrator) SubmitFeedback(ctx context.Context, requestID string, rating int, message *string) error {
	if rating < MinRating || rating > MaxRating {
		return fmt.Errorf("%w: rating must be between %d and %d, got %d", apperrors.ErrInvalidInput, MinRating, MaxRating, rating)
	}
	if requestID == "" {
		return fmt.Errorf("%w: empty request id", apperrors.ErrInvalidInput)
	}

	fb := retrieval.Feedback{Rating: rating, Message: message}
	if _, err := o.records.UpdateMetadata(ctx, requestID, map[string]any{retrieval.KeyFeedback: fb}); err != nil {
		return fmt.Errorf("storing feedback for %s: %w", requestID, err)
	}

	if o.audit != nil {
		notes := ""
		if message != nil {
			notes = *message
		}
		if err := o.audit.UpdateFeedback(requestID, rating, notes); err != nil {
			slog.Warn("pipeline: audit feedback update failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}
