package gemini

import (
	"testing"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
)

func TestIsTokenLimitError(t *testing.T) {
	cases := []struct {
		name string
		err  *googleError
		want bool
	}{
		{
			"failed precondition token message",
			&googleError{Status: "FAILED_PRECONDITION", Message: "The input token count exceeds the maximum"},
			true,
		},
		{
			"failed precondition unrelated",
			&googleError{Status: "FAILED_PRECONDITION", Message: "API key not valid"},
			false,
		},
		{
			"wrong status",
			&googleError{Status: "PERMISSION_DENIED", Message: "token count too high"},
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

func TestBuildRequest_MapsAssistantToModelRole(t *testing.T) {
	req := buildRequest([]llmadapter.Message{
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "What is the Krebs cycle?"},
		{Role: "assistant", Content: "A series of reactions in the mitochondrial matrix."},
	})

	if req.SystemInstruction == nil || req.SystemInstruction.Parts[0].Text != "Be concise." {
		t.Fatalf("expected systemInstruction to carry the hoisted system message, got %#v", req.SystemInstruction)
	}
	if len(req.Contents) != 2 {
		t.Fatalf("expected 2 non-system contents, got %d", len(req.Contents))
	}
	if req.Contents[1].Role != "model" {
		t.Errorf("assistant role mapped to %q, want %q", req.Contents[1].Role, "model")
	}
}
