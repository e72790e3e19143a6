package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

type webhookSink struct {
	url    string
	client *http.Client
}

func newWebhookSink(url string) *webhookSink {
	return &webhookSink{url: url, client: &http.Client{}}
}

func (s *webhookSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(map[string]any{
		"event":     n.Event,
		"summary":   n.Summary,
		"fields":    n.Fields,
		"timestamp": n.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("notify: marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
