// Package llmadapter is the Provider Adapter boundary: the uniform message
// and result shapes every vendor binding produces, so the Router and Rate
// Limiter never branch on which vendor answered a call. Vendor bindings live
// in subpackages (openai, anthropic, gemini); wiring them into a Registry
// lives in internal/llmadapter/registry to avoid an import cycle back here.
package llmadapter

import "context"

// Message is a single chat turn. ImageData, when set, is a base64-encoded
// image attached to this turn (the image-interpretation pipeline sends a
// single user Message carrying both the fixed prompt and the document page).
type Message struct {
	Role          string
	Content       string
	ImageData     string
	ImageMimeType string
}

// Usage reports token accounting for one Call. Estimated is set when the
// vendor didn't return a usage block and tokens were counted locally via
// the tiktoken fallback.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// Result is the uniform outcome of a Call, independent of which vendor
// answered: the Router and Rate Limiter only ever look at these fields.
type Result struct {
	Success           bool
	Content           string
	TokensUsed        int64
	ModelID           string
	Err               error
	IsTokenLimitError bool
	Usage             Usage
}

// Adapter is one vendor's HTTP binding. model is a per-request override; an
// empty model falls back to whatever the adapter was constructed with.
type Adapter interface {
	Call(ctx context.Context, model string, messages []Message) Result
}
