package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/kalambet/askcube/internal/apperrors"
	"github.com/kalambet/askcube/internal/retrieval"
)

func strPtr(s string) *string { return &s }

func TestSubmitFeedback_Shape(t *testing.T) {
	h := newHarness(t)
	audit := &mockAudit{}
	o := h.orchestrator(synthReturning(revenueQuery(), nil), execReturning(okRows()), &mockFormatter{}, WithAuditLog(audit))

	out, err := o.ProcessQuery(context.Background(), "top products by revenue")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	size := h.store.Len()

	if err := o.SubmitFeedback(context.Background(), out.RequestID, 5, strPtr("Great!")); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}

	rec, err := h.store.Get(out.RequestID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	raw, ok := rec.Metadata[retrieval.KeyFeedback].(string)
	if !ok {
		t.Fatalf("feedback stored as %T, want JSON string", rec.Metadata[retrieval.KeyFeedback])
	}
	if raw != `{"rating":5,"message":"Great!"}` {
		t.Errorf("feedback = %s", raw)
	}
	if h.store.Len() != size {
		t.Errorf("store size changed %d -> %d", size, h.store.Len())
	}
	if audit.feedback[out.RequestID] != 5 {
		t.Errorf("audit feedback = %v", audit.feedback)
	}

	// Resubmission overwrites.
	if err := o.SubmitFeedback(context.Background(), out.RequestID, 2, nil); err != nil {
		t.Fatalf("second SubmitFeedback: %v", err)
	}
	rec, _ = h.store.Get(out.RequestID)
	fb, err := rec.Feedback()
	if err != nil {
		t.Fatalf("Feedback: %v", err)
	}
	if fb.Rating != 2 || fb.Message != nil {
		t.Errorf("feedback = %+v, want rating 2 and no message", fb)
	}
	if h.store.Len() != size {
		t.Errorf("store size changed %d -> %d", size, h.store.Len())
	}
}

func TestSubmitFeedback_RatedOutcomeSteersNextQuestion(t *testing.T) {
	h := newHarness(t)
	synth := synthReturning(revenueQuery(), nil)
	o := h.orchestrator(synth, execReturning(okRows()), &mockFormatter{})

	first, err := o.ProcessQuery(context.Background(), "revenue by product in 2023")
	if err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	if err := o.SubmitFeedback(context.Background(), first.RequestID, 4, nil); err != nil {
		t.Fatalf("SubmitFeedback: %v", err)
	}

	if _, err := o.ProcessQuery(context.Background(), "revenue by product in 2024"); err != nil {
		t.Fatalf("ProcessQuery: %v", err)
	}
	want := "revenue by product in 2024 (Consider previous feedback: revenue by product in 2023)"
	if synth.texts[1] != want {
		t.Errorf("second synthesis text = %q, want %q", synth.texts[1], want)
	}
}

func TestSubmitFeedback_InvalidRating(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, nil, nil)

	for _, r := range []int{0, 6, -1} {
		err := o.SubmitFeedback(context.Background(), "any", r, nil)
		if !errors.Is(err, apperrors.ErrInvalidInput) {
			t.Errorf("rating %d: err = %v, want ErrInvalidInput", r, err)
		}
	}
}

func TestSubmitFeedback_UnknownID(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator(nil, nil, nil)

	err := o.SubmitFeedback(context.Background(), "00000000-0000-0000-0000-000000000000", 3, nil)
	if !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
