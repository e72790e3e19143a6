package healthmonitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
)

type stubAdapter struct {
	result llmadapter.Result
}

func (a *stubAdapter) Call(_ context.Context, _ string, _ []llmadapter.Message) llmadapter.Result {
	return a.result
}

type stubResolver struct {
	adapters map[string]*stubAdapter
	// keysSeen records every apiKey AdapterForProviderWithKey was called
	// with, in order, keyed by provider.
	keysSeen map[string]string
}

func (r *stubResolver) AdapterForProviderWithKey(provider, apiKey string) (llmadapter.Adapter, string, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, "", errors.New("no such provider")
	}
	if r.keysSeen == nil {
		r.keysSeen = map[string]string{}
	}
	r.keysSeen[provider] = apiKey
	return a, "probe-model", nil
}

type stubCreds struct {
	list          []model.Credential
	best          map[string]string // "provider/feature" -> decrypted secret
	bestErr       error
	failures      map[string]int
	promoteAt     int
	updatedStatus map[string]model.CredentialStatus
	recordFailErr error
	updateErr     error
}

func (s *stubCreds) ListCredentials(_ context.Context) ([]model.Credential, error) {
	return s.list, nil
}

func (s *stubCreds) BestActiveCredential(_ context.Context, provider, feature string) (*model.Credential, string, error) {
	if s.bestErr != nil {
		return nil, "", s.bestErr
	}
	plaintext, ok := s.best[provider+"/"+feature]
	if !ok {
		return nil, "", nil
	}
	return &model.Credential{Provider: provider, Feature: feature}, plaintext, nil
}

func (s *stubCreds) RecordFailure(_ context.Context, id string) (bool, int, error) {
	if s.recordFailErr != nil {
		return false, 0, s.recordFailErr
	}
	if s.failures == nil {
		s.failures = map[string]int{}
	}
	s.failures[id]++
	promoted := s.promoteAt > 0 && s.failures[id] >= s.promoteAt
	return promoted, s.failures[id], nil
}

func (s *stubCreds) UpdateCredentialStatus(_ context.Context, id string, status model.CredentialStatus, _ *int) (*model.Credential, error) {
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	if s.updatedStatus == nil {
		s.updatedStatus = map[string]model.CredentialStatus{}
	}
	s.updatedStatus[id] = status
	return &model.Credential{ID: id, Status: status}, nil
}

type stubHealth struct {
	records []string // status values inserted
}

func (h *stubHealth) InsertHealthCheckRecord(_ context.Context, _, status string, _ *int64, _ *string) error {
	h.records = append(h.records, status)
	return nil
}

func TestProbeAll_SkipsNonActiveCredentials(t *testing.T) {
	creds := &stubCreds{list: []model.Credential{
		{ID: "c1", Provider: "openai", Status: model.StatusDisabled},
	}}
	resolver := &stubResolver{adapters: map[string]*stubAdapter{}}
	health := &stubHealth{}
	m := New(resolver, creds, health, nil, time.Minute, nil)

	if err := m.probeAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(health.records) != 0 {
		t.Fatalf("expected no probes for a disabled credential, got %d", len(health.records))
	}
}

func TestProbeOne_SuccessClearsFailureCount(t *testing.T) {
	creds := &stubCreds{best: map[string]string{"openai/chat": "sk-live"}}
	resolver := &stubResolver{adapters: map[string]*stubAdapter{
		"openai": {result: llmadapter.Result{Success: true}},
	}}
	health := &stubHealth{}
	m := New(resolver, creds, health, nil, time.Minute, nil)

	m.probeOne(context.Background(), model.Credential{ID: "c1", Provider: "openai", Feature: "chat", FailureCount: 2})

	if len(health.records) != 1 || health.records[0] != "success" {
		t.Fatalf("expected one success record, got %v", health.records)
	}
	if creds.updatedStatus["c1"] != model.StatusActive {
		t.Fatalf("expected failure count to be cleared via UpdateCredentialStatus, got %v", creds.updatedStatus)
	}
	if resolver.keysSeen["openai"] != "sk-live" {
		t.Fatalf("expected the probe to dispatch with the pool's decrypted secret, got %q", resolver.keysSeen["openai"])
	}
}

func TestProbeOne_FailureIncrementsAndNotifiesOnPromotion(t *testing.T) {
	creds := &stubCreds{promoteAt: 1, best: map[string]string{"openai/chat": "sk-live"}}
	resolver := &stubResolver{adapters: map[string]*stubAdapter{
		"openai": {result: llmadapter.Result{Success: false, Err: errors.New("upstream 500")}},
	}}
	health := &stubHealth{}
	m := New(resolver, creds, health, nil, time.Minute, nil)

	m.probeOne(context.Background(), model.Credential{ID: "c1", Provider: "openai", Feature: "chat"})

	if len(health.records) != 1 || health.records[0] != "failure" {
		t.Fatalf("expected one failure record, got %v", health.records)
	}
	if creds.failures["c1"] != 1 {
		t.Fatalf("expected RecordFailure to be called once, got %d", creds.failures["c1"])
	}
}

func TestProbeOne_UnknownProviderIsSkippedSafely(t *testing.T) {
	creds := &stubCreds{best: map[string]string{"nonexistent/chat": "sk-live"}}
	resolver := &stubResolver{adapters: map[string]*stubAdapter{}}
	health := &stubHealth{}
	m := New(resolver, creds, health, nil, time.Minute, nil)

	m.probeOne(context.Background(), model.Credential{ID: "c1", Provider: "nonexistent", Feature: "chat"})

	if len(health.records) != 0 {
		t.Fatalf("expected no health record for an unresolvable provider, got %v", health.records)
	}
}

func TestProbeOne_EmptyPoolIsSkippedSafely(t *testing.T) {
	creds := &stubCreds{}
	resolver := &stubResolver{adapters: map[string]*stubAdapter{
		"openai": {result: llmadapter.Result{Success: true}},
	}}
	health := &stubHealth{}
	m := New(resolver, creds, health, nil, time.Minute, nil)

	m.probeOne(context.Background(), model.Credential{ID: "c1", Provider: "openai", Feature: "chat"})

	if len(health.records) != 0 {
		t.Fatalf("expected no health record when the pool is already empty, got %v", health.records)
	}
}
