package engine

import (
	"context"
	"fmt"
	"io"
)

// EnsureReady checks that locally hosted backends are reachable and have
// the configured models, pulling missing ones with progress written to w.
// Hosted APIs (OpenAI, Anthropic) are skipped.
func EnsureReady(ctx context.Context, e Engine, chatModel, embedModel string, w io.Writer) error {
	chatEngine, embedEngine := e, e
	if r, ok := e.(*Resilient); ok {
		chatEngine, embedEngine = r.Unwrap(), r.Unwrap()
	}
	if s, ok := chatEngine.(*split); ok {
		chatEngine, embedEngine = s.chat, s.embed
	}

	type need struct {
		mgr   ModelManager
		model string
	}
	var needs []need
	if m, ok := chatEngine.(ModelManager); ok && chatModel != "" {
		needs = append(needs, need{m, chatModel})
	}
	if m, ok := embedEngine.(ModelManager); ok && embedModel != "" && !(embedEngine == chatEngine && embedModel == chatModel) {
		needs = append(needs, need{m, embedModel})
	}

	for _, n := range needs {
		if !n.mgr.IsRunning(ctx) {
			return fmt.Errorf("local inference engine is not running; start it with: ollama serve")
		}
		if n.mgr.HasModel(ctx, n.model) {
			fmt.Fprintf(w, "model %s: ready\n", n.model)
			continue
		}

		fmt.Fprintf(w, "model %s: pulling...\n", n.model)
		err := n.mgr.PullModel(ctx, n.model, func(p PullProgress) {
			if p.Total > 0 {
				pct := float64(p.Completed) / float64(p.Total) * 100
				fmt.Fprintf(w, "  %s %.0f%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return fmt.Errorf("pulling model %s: %w", n.model, err)
		}
		fmt.Fprintf(w, "model %s: ready\n", n.model)
	}

	return nil
}
