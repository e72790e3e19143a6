// Package gemini binds the Provider Adapter to the Google Generative
// Language API (generativelanguage.googleapis.com).
package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type Provider struct {
	Model   string
	BaseURL string
	APIKey  string

	client *klient.Client
}

func New(apiKey, model, baseURL, proxy string, insecureSkipVerify bool) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an api_key")
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	klientOpts := []klient.OptionClientFn{
		klient.WithBaseURL(baseURL),
		klient.WithDisableBaseURLCheck(true),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(http.Header{
			"Content-Type":   []string{"application/json"},
			"x-goog-api-key": []string{apiKey},
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

	return &Provider{Model: model, BaseURL: baseURL, APIKey: apiKey, client: client}, nil
}

type generateContentRequest struct {
	Contents          []content `json:"contents"`
	SystemInstruction *content  `json:"systemInstruction,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generateContentResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	Error         *googleError   `json:"error,omitempty"`
}

type candidate struct {
	Content      *content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func isTokenLimitError(e *googleError) bool {
	if e == nil {
		return false
	}
	if e.Status != "FAILED_PRECONDITION" && e.Status != "INVALID_ARGUMENT" {
		return false
	}
	return strings.Contains(strings.ToLower(e.Message), "token")
}

func (p *Provider) Call(ctx context.Context, model string, messages []llmadapter.Message) llmadapter.Result {
	if model == "" {
		model = p.Model
	}

	reqBody := buildRequest(messages)
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return llmadapter.Result{Err: fmt.Errorf("marshal request: %w", err), ModelID: model}
	}

	path := fmt.Sprintf("/v1beta/models/%s:generateContent", model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewBuffer(jsonData))
	if err != nil {
		return llmadapter.Result{Err: err, ModelID: model}
	}

	var result generateContentResponse
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
			Err:               fmt.Errorf("gemini: %s (status: %s)", result.Error.Message, result.Error.Status),
			ModelID:           model,
			IsTokenLimitError: isTokenLimitError(result.Error),
		}
	}
	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return llmadapter.Result{Err: fmt.Errorf("gemini: no candidates in response"), ModelID: model}
	}

	var text strings.Builder
	for _, p := range result.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}

	u := llmadapter.Usage{}
	if result.UsageMetadata != nil {
		u = llmadapter.Usage{
			PromptTokens:     result.UsageMetadata.PromptTokenCount,
			CompletionTokens: result.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      result.UsageMetadata.TotalTokenCount,
		}
	} else {
		u.TotalTokens = llmadapter.EstimateTokens(messages, text.String())
		u.Estimated = true
	}

	return llmadapter.Result{
		Success:    true,
		Content:    text.String(),
		TokensUsed: int64(u.TotalTokens),
		ModelID:    model,
		Usage:      u,
	}
}

// buildRequest maps generic chat turns to Gemini's contents/parts format.
// Gemini has no "assistant" role; it uses "model" instead, and a leading
// "system" Message is hoisted into systemInstruction rather than sent as a
// turn, matching the native Generative Language API's contract.
func buildRequest(messages []llmadapter.Message) *generateContentRequest {
	req := &generateContentRequest{}

	for _, m := range messages {
		if m.Role == "system" {
			req.SystemInstruction = &content{Parts: []part{{Text: m.Content}}}
			continue
		}

		role := m.Role
		if role == "assistant" {
			role = "model"
		}

		parts := []part{{Text: m.Content}}
		if m.ImageData != "" {
			mime := m.ImageMimeType
			if mime == "" {
				mime = "image/png"
			}
			parts = append(parts, part{InlineData: &inlineData{MimeType: mime, Data: m.ImageData}})
		}

		req.Contents = append(req.Contents, content{Role: role, Parts: parts})
	}

	return req
}
