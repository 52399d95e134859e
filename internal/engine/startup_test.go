package engine

import (
	"context"
	"io"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
}

func (m *mockEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	return "", nil
}
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool               { return m.isRunning }
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if cb != nil {
		cb(PullProgress{Status: "success"})
	}
	return nil
}

// hostedEngine has no ModelManager methods, like the OpenAI backend.
type hostedEngine struct{}

func (hostedEngine) Chat(_ context.Context, _ string, _ []Message, _ *Schema) (string, error) {
	return "", nil
}
func (hostedEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) { return nil, nil }

func TestEnsureReady_AllModelsPresent(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true, "nomic-embed-text": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{
		isRunning: true,
		models:    map[string]bool{"llama3.1": true},
	}
	if err := EnsureReady(context.Background(), m, "llama3.1", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	if err := EnsureReady(context.Background(), m, "llama3.1", "nomic-embed-text", io.Discard); err == nil {
		t.Fatal("expected error when engine is down")
	}
}

func TestEnsureReady_SplitOnlyChecksLocalHalf(t *testing.T) {
	local := &mockEngine{isRunning: true, models: map[string]bool{}}
	e := NewResilient(&split{chat: hostedEngine{}, embed: local}, 0, nil)

	if err := EnsureReady(context.Background(), e, "gpt-4o-mini", "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(local.pulled) != 1 || local.pulled[0] != "nomic-embed-text" {
		t.Errorf("pulled = %v, want only the embed model", local.pulled)
	}
}

func TestEnsureReady_HostedSkipped(t *testing.T) {
	if err := EnsureReady(context.Background(), hostedEngine{}, "gpt-4o-mini", "text-embedding-3-small", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}
