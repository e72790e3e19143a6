// Package openai binds the Provider Adapter to any OpenAI-compatible
// chat-completions endpoint, including the default OpenRouter gateway.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
)

const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

type Provider struct {
	APIKey  string
	Model   string
	BaseURL string

	client *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if apiKey != "" {
		headers["Authorization"] = []string{"Bearer " + apiKey}
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	}
	if proxy != "" {
		klientOpts = append(klientOpts, klient.WithProxy(proxy))
	}
	if insecureSkipVerify {
		klientOpts = append(klientOpts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(klientOpts...)
	if err != nil {
		return nil, err
	}

	return &Provider{APIKey: apiKey, Model: model, BaseURL: baseURL, client: client}, nil
}

type chatResponse struct {
	Error   *apiError `json:"error,omitempty"`
	Choices []choice  `json:"choices"`
	Usage   *usage    `json:"usage,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

type choice struct {
	Message      choiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// tokenLimitMarkers are substrings seen in OpenAI-compatible error bodies
// when a request exceeds the model's context window.
var tokenLimitMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"context length exceeded",
}

func isTokenLimitError(e *apiError) bool {
	if e == nil {
		return false
	}
	msg := strings.ToLower(e.Message + " " + e.Code)
	for _, m := range tokenLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Call sends messages to the chat-completions endpoint and returns the
// uniform llmadapter.Result. A non-2xx or vendor-level error never becomes
// a Go error return: it's folded into Result.Err so the Router's fallback
// loop has one code path to walk regardless of failure kind.
func (p *Provider) Call(ctx context.Context, model string, messages []llmadapter.Message) llmadapter.Result {
	if model == "" {
		model = p.Model
	}

	reqBody := buildRequestBody(model, messages)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return llmadapter.Result{Err: fmt.Errorf("marshal request: %w", err), ModelID: model}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return llmadapter.Result{Err: err, ModelID: model}
	}

	var result chatResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &result)
	}); err != nil {
		return llmadapter.Result{Err: err, ModelID: model}
	}

	if result.Error != nil {
		return llmadapter.Result{
			Err:               fmt.Errorf("openai: %s", result.Error.Message),
			ModelID:           model,
			IsTokenLimitError: isTokenLimitError(result.Error),
		}
	}
	if len(result.Choices) == 0 {
		return llmadapter.Result{Err: fmt.Errorf("openai: no choices in response"), ModelID: model}
	}

	content := result.Choices[0].Message.Content
	u := llmadapter.Usage{}
	if result.Usage != nil {
		u = llmadapter.Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		}
	} else {
		u.TotalTokens = llmadapter.EstimateTokens(messages, content)
		u.Estimated = true
	}

	return llmadapter.Result{
		Success:    true,
		Content:    content,
		TokensUsed: int64(u.TotalTokens),
		ModelID:    model,
		Usage:      u,
	}
}

// buildRequestBody maps generic chat turns to the OpenAI wire format. A
// message carrying ImageData is sent as a two-part content array (text +
// image_url data URI), the shape every OpenAI-compatible vision model shares.
func buildRequestBody(model string, messages []llmadapter.Message) map[string]any {
	reqMessages := make([]map[string]any, len(messages))
	for i, m := range messages {
		if m.ImageData == "" {
			reqMessages[i] = map[string]any{"role": m.Role, "content": m.Content}
			continue
		}

		mime := m.ImageMimeType
		if mime == "" {
			mime = "image/png"
		}
		reqMessages[i] = map[string]any{
			"role": m.Role,
			"content": []map[string]any{
				{"type": "text", "text": m.Content},
				{"type": "image_url", "image_url": map[string]string{
					"url": fmt.Sprintf("data:%s;base64,%s", mime, m.ImageData),
				}},
			},
		}
	}

	return map[string]any{"model": model, "messages": reqMessages}
}
