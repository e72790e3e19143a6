// Package anthropic binds the Provider Adapter to the Anthropic Messages API.
package anthropic

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

const DefaultBaseURL = "https://api.anthropic.com"

const defaultMaxTokens = 4096

type Provider struct {
	APIKey string
	Model  string

	client *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"X-Api-Key":         []string{apiKey},
			"Anthropic-Version": []string{"2023-06-01"},
			"Content-Type":      []string{"application/json"},
		}),
		klient.WithDisableRetry(true),
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

	return &Provider{APIKey: apiKey, Model: model, client: client}, nil
}

type messagesResponse struct {
	Type       string         `json:"type"`
	Error      *apiError      `json:"error,omitempty"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

var tokenLimitMarkers = []string{
	"prompt is too long",
	"maximum context length",
	"exceed context limit",
}

func isTokenLimitError(e *apiError) bool {
	if e == nil {
		return false
	}
	if e.Type != "invalid_request_error" {
		return false
	}
	msg := strings.ToLower(e.Message)
	for _, m := range tokenLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func (p *Provider) Call(ctx context.Context, model string, messages []llmadapter.Message) llmadapter.Result {
	if model == "" {
		model = p.Model
	}

	reqBody := buildRequestBody(model, messages)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return llmadapter.Result{Err: fmt.Errorf("marshal request: %w", err), ModelID: model}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return llmadapter.Result{Err: err, ModelID: model}
	}

	var result messagesResponse
	if err := p.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &result)
	}); err != nil {
		return llmadapter.Result{Err: err, ModelID: model}
	}

	if result.Type == "error" || result.Error != nil {
		return llmadapter.Result{
			Err:               fmt.Errorf("anthropic: %s", result.Error.Message),
			ModelID:           model,
			IsTokenLimitError: isTokenLimitError(result.Error),
		}
	}

	var content strings.Builder
	for _, b := range result.Content {
		if b.Type == "text" {
			content.WriteString(b.Text)
		}
	}

	u := llmadapter.Usage{
		PromptTokens:     result.Usage.InputTokens,
		CompletionTokens: result.Usage.OutputTokens,
		TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = llmadapter.EstimateTokens(messages, content.String())
		u.Estimated = true
	}

	return llmadapter.Result{
		Success:    true,
		Content:    content.String(),
		TokensUsed: int64(u.TotalTokens),
		ModelID:    model,
		Usage:      u,
	}
}

// buildRequestBody maps generic chat turns to Anthropic's Messages format.
// Anthropic has no separate "system" role in the messages array; a Message
// with Role "system" is hoisted into the request's top-level "system" field,
// matching how every Anthropic-compatible client handles system prompts.
func buildRequestBody(model string, messages []llmadapter.Message) map[string]any {
	var system strings.Builder
	reqMessages := make([]map[string]any, 0, len(messages))

	for _, m := range messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(m.Content)
			continue
		}

		if m.ImageData == "" {
			reqMessages = append(reqMessages, map[string]any{"role": m.Role, "content": m.Content})
			continue
		}

		mime := m.ImageMimeType
		if mime == "" {
			mime = "image/png"
		}
		reqMessages = append(reqMessages, map[string]any{
			"role": m.Role,
			"content": []map[string]any{
				{"type": "text", "text": m.Content},
				{"type": "image", "source": map[string]string{
					"type": "base64", "media_type": mime, "data": m.ImageData,
				}},
			},
		})
	}

	body := map[string]any{
		"model":      model,
		"messages":   reqMessages,
		"max_tokens": defaultMaxTokens,
	}
	if system.Len() > 0 {
		body["system"] = system.String()
	}
	return body
}
