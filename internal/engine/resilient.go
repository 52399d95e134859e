package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/askcube/internal/retry"
)

// Resilient wraps an Engine with a per-call timeout and bounded retry.
// Embeddings are retried on any retryable failure. Chat is retried only
// when the provider never processed the request, so a completion is
// generated at most once.
type Resilient struct {
	next    Engine
	timeout time.Duration
	retry   *retry.Config
	logger  *slog.Logger
}

// NewResilient wraps next. A zero timeout disables the per-call deadline;
// a nil retry config uses retry.DefaultConfig.
func NewResilient(next Engine, timeout time.Duration, cfg *retry.Config) *Resilient {
	if cfg == nil {
		cfg = retry.DefaultConfig()
	}
	return &Resilient{next: next, timeout: timeout, retry: cfg, logger: slog.Default()}
}

func (r *Resilient) Chat(ctx context.Context, model string, messages []Message, jsonSchema *Schema) (string, error) {
	attempt := 0
	return retry.DoIf(ctx, r.retry, SafeToRetryChat, func() (string, error) {
		attempt++
		callCtx, cancel := r.withTimeout(ctx)
		defer cancel()

		out, err := r.next.Chat(callCtx, model, messages, jsonSchema)
		if err != nil {
			err = ClassifyError(err, model)
			r.logger.Warn("chat call failed", "model", model, "attempt", attempt, "error", err)
			return "", err
		}
		return out, nil
	})
}

func (r *Resilient) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	attempt := 0
	return retry.DoIf(ctx, r.retry, IsRetryable, func() ([]float32, error) {
		attempt++
		callCtx, cancel := r.withTimeout(ctx)
		defer cancel()

		vec, err := r.next.Embed(callCtx, model, text)
		if err != nil {
			err = ClassifyError(err, model)
			r.logger.Warn("embed call failed", "model", model, "attempt", attempt, "error", err)
			return nil, err
		}
		return vec, nil
	})
}

// Unwrap returns the wrapped engine.
func (r *Resilient) Unwrap() Engine { return r.next }

func (r *Resilient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
