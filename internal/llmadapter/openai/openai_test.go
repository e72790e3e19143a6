package openai

import (
	"testing"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
)

func TestIsTokenLimitError(t *testing.T) {
	cases := []struct {
		name string
		err  *apiError
		want bool
	}{
		{"context_length_exceeded code", &apiError{Code: "context_length_exceeded", Message: "too many tokens"}, true},
		{"maximum context length message", &apiError{Message: "This model's maximum context length is 8192 tokens"}, true},
		{"unrelated error", &apiError{Code: "invalid_api_key", Message: "incorrect API key provided"}, false},
		{"nil error", nil, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := isTokenLimitError(c.err); got != c.want {
				t.Errorf("isTokenLimitError(%+v) = %v, want %v", c.err, got, c.want)
			}
		})
	}
}

func TestBuildRequestBody_PlainText(t *testing.T) {
	body := buildRequestBody("gpt-4o-mini", []llmadapter.Message{{Role: "user", Content: "hello"}})
	msgs, ok := body["messages"].([]map[string]any)
	if !ok || len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %#v", body["messages"])
	}
	if msgs[0]["content"] != "hello" {
		t.Errorf("content = %v, want %q", msgs[0]["content"], "hello")
	}
}
