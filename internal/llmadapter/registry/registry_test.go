package registry

import (
	"context"
	"testing"

	"github.com/rakunlabs/coreserver/internal/config"
	"github.com/rakunlabs/coreserver/internal/llmadapter"
)

type stubAdapter struct {
	calledModel string
}

func (s *stubAdapter) Call(_ context.Context, model string, _ []llmadapter.Message) llmadapter.Result {
	s.calledModel = model
	return llmadapter.Result{Success: true, ModelID: model}
}

func TestResolve_DefaultProvider(t *testing.T) {
	stub := &stubAdapter{}
	r := &Registry{
		adapters: map[string]llmadapter.Adapter{"openrouter": stub},
		models:   map[string]string{"chat": "gpt-4o-mini"},
		def:      "openrouter",
	}

	a, model, err := r.Resolve("chat")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if a != stub {
		t.Error("expected the default provider's adapter")
	}
	if model != "gpt-4o-mini" {
		t.Errorf("model = %q, want %q", model, "gpt-4o-mini")
	}
}

func TestResolve_ExplicitProviderPrefix(t *testing.T) {
	stub := &stubAdapter{}
	r := &Registry{
		adapters: map[string]llmadapter.Adapter{"anthropic": stub},
		models:   map[string]string{"teach_back": "anthropic/claude-3-5-sonnet"},
		def:      "openrouter",
	}

	a, model, err := r.Resolve("teach_back")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if a != stub {
		t.Error("expected the anthropic adapter, not the default")
	}
	if model != "claude-3-5-sonnet" {
		t.Errorf("model = %q, want %q", model, "claude-3-5-sonnet")
	}
}

func TestResolve_UnknownProvider(t *testing.T) {
	r := &Registry{
		adapters: map[string]llmadapter.Adapter{},
		models:   map[string]string{},
		def:      "openrouter",
	}

	if _, _, err := r.Resolve("chat"); err == nil {
		t.Error("expected an error for an unconfigured provider")
	}
}

func TestNew_UnknownType(t *testing.T) {
	if _, err := New(config.LLMConfig{Type: "made-up-vendor"}); err == nil {
		t.Error("expected an error for an unknown provider type")
	}
}
