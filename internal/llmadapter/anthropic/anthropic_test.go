package anthropic

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
		{
			"invalid_request_error prompt too long",
			&apiError{Type: "invalid_request_error", Message: "prompt is too long: 205000 tokens > 200000 maximum"},
			true,
		},
		{
			"wrong error type",
			&apiError{Type: "overloaded_error", Message: "prompt is too long"},
			false,
		},
		{
			"invalid_request_error but unrelated",
			&apiError{Type: "invalid_request_error", Message: "messages: at least one message is required"},
			false,
		},
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

func TestBuildRequestBody_HoistsSystemMessage(t *testing.T) {
	msgs := []llmadapter.Message{
		{Role: "system", Content: "You are a careful medical tutor."},
		{Role: "user", Content: "Explain the renin-angiotensin system."},
	}
	body := buildRequestBody("claude-3-5-sonnet", msgs)

	if body["system"] != "You are a careful medical tutor." {
		t.Errorf("system = %v, want the hoisted system message", body["system"])
	}

	reqMessages, ok := body["messages"].([]map[string]any)
	if !ok || len(reqMessages) != 1 {
		t.Fatalf("expected exactly 1 non-system message, got %#v", body["messages"])
	}
	if reqMessages[0]["role"] != "user" {
		t.Errorf("messages[0].role = %v, want %q", reqMessages[0]["role"], "user")
	}
}
