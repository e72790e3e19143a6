package llmadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/worldline-go/klient"

	"github.com/rakunlabs/coreserver/internal/config"
)

// embeddingsClient implements langchaingo's embeddings.EmbedderClient against
// an OpenAI-compatible /embeddings endpoint, built from the LLMConfig
// resolved for the "embedding" feature. It authenticates with that config's
// static APIKey; it does not draw a key from the credential pool the Router
// selects from.
type embeddingsClient struct {
	client *klient.Client
	model  string
}

func newEmbeddingsClient(cfg config.LLMConfig) (*embeddingsClient, error) {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/chat/completions")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	headers := http.Header{"Content-Type": []string{"application/json"}}
	if cfg.APIKey != "" {
		headers["Authorization"] = []string{"Bearer " + cfg.APIKey}
	}

	c, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithHeaderSet(headers),
		klient.WithDisableRetry(true),
	)
	if err != nil {
		return nil, err
	}

	return &embeddingsClient{client: c, model: cfg.Model}, nil
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// CreateEmbedding satisfies langchaingo's embeddings.EmbedderClient.
func (c *embeddingsClient) CreateEmbedding(ctx context.Context, texts []string) ([][]float32, error) {
	jsonData, err := json.Marshal(embeddingsRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embeddings request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}

	var result embeddingsResponse
	if err := c.client.Do(req, func(r *http.Response) error {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &result)
	}); err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("embeddings: %s", result.Error.Message)
	}

	out := make([][]float32, len(result.Data))
	for i, d := range result.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// NewEmbedder builds a langchaingo embeddings.Embedder for the "embedding"
// feature's configured provider. Document Ingestion calls EmbedDocuments for
// chunk text; Retrieval calls EmbedQuery for the user's question.
func NewEmbedder(cfg config.LLMConfig) (embeddings.Embedder, error) {
	client, err := newEmbeddingsClient(cfg)
	if err != nil {
		return nil, err
	}
	return embeddings.NewEmbedder(client)
}
