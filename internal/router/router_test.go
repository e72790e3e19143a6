package router

import (
	"context"
	"testing"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/ratelimit"
)

type stubCreds struct {
	provider  string
	providers []string
	active    []model.DecryptedCredential
	failed    map[string]int
	touched   map[string]bool
}

func (s *stubCreds) AllActiveCredentials(_ context.Context, provider, _ string) ([]model.DecryptedCredential, error) {
	s.provider = provider
	return s.active, nil
}

func (s *stubCreds) ActiveProvidersForFeature(_ context.Context, _ string) ([]string, error) {
	return s.providers, nil
}

func (s *stubCreds) RecordFailure(_ context.Context, id string) (bool, int, error) {
	if s.failed == nil {
		s.failed = map[string]int{}
	}
	s.failed[id]++
	return s.failed[id] >= 3, s.failed[id], nil
}

func (s *stubCreds) TouchLastUsed(_ context.Context, id string) error {
	if s.touched == nil {
		s.touched = map[string]bool{}
	}
	s.touched[id] = true
	return nil
}

type stubPersonal struct {
	plaintext string
	err       error
}

func (s *stubPersonal) DecryptPersonalCredential(_ *model.User) (string, error) {
	return s.plaintext, s.err
}

// stubResolver dispatches to results in sequence for pool attempts.
// AdapterWithKey tells the personal-key attempt from a pool attempt by
// comparing apiKey with personalKey.
type stubResolver struct {
	results   []llmadapter.Result
	call      int
	keyResult llmadapter.Result
	// personalKey, when set, is the apiKey that routes to keyResult (the
	// personal-key attempt); any other apiKey (including a pool candidate's
	// own Plaintext) falls through to the pool's sequencedAdapter.
	personalKey string
	// keysSeen records every apiKey AdapterWithKey was called with, in order.
	keysSeen []string
}

type sequencedAdapter struct{ r *stubResolver }

func (a *sequencedAdapter) Call(_ context.Context, _ string, _ []llmadapter.Message) llmadapter.Result {
	if a.r.call >= len(a.r.results) {
		return llmadapter.Result{Success: false}
	}
	res := a.r.results[a.r.call]
	a.r.call++
	return res
}

func (r *stubResolver) Resolve(_ string) (llmadapter.Adapter, string, error) {
	return &sequencedAdapter{r: r}, "model-x", nil
}

type keyAdapter struct{ result llmadapter.Result }

func (a *keyAdapter) Call(_ context.Context, _ string, _ []llmadapter.Message) llmadapter.Result {
	return a.result
}

func (r *stubResolver) AdapterWithKey(_, apiKey string) (llmadapter.Adapter, string, error) {
	r.keysSeen = append(r.keysSeen, apiKey)
	if r.personalKey != "" && apiKey == r.personalKey {
		return &keyAdapter{result: r.keyResult}, "model-x", nil
	}
	return &sequencedAdapter{r: r}, "model-x", nil
}

type stubLimiter struct {
	admit       bool
	incremented bool
	incTokens   int64
	remaining   ratelimit.Remaining
	remainErr   error
}

func (s *stubLimiter) Check(_ context.Context, _, _ string) (bool, error) {
	return s.admit, nil
}

func (s *stubLimiter) Increment(_ context.Context, _ string, tokens int64, _ string) {
	s.incremented = true
	s.incTokens = tokens
}

func (s *stubLimiter) Remaining(_ context.Context, _ string) (ratelimit.Remaining, error) {
	return s.remaining, s.remainErr
}

type stubMaintenance struct {
	evaluated bool
	feature   string
}

func (s *stubMaintenance) EvaluateTrigger(_ context.Context, feature string) (*model.MaintenanceState, error) {
	s.evaluated = true
	s.feature = feature
	return &model.MaintenanceState{Level: model.MaintenanceHard, IsActive: true}, nil
}

func adminRole() *model.Role {
	r := model.RoleAdmin
	return &r
}

func TestRoute_ScenarioA_FallbackSucceedsOnSecondKey(t *testing.T) {
	creds := &stubCreds{
		providers: []string{"openrouter"},
		active: []model.DecryptedCredential{
			{Credential: model.Credential{ID: "K1", Priority: 10}, Plaintext: "k1-secret"},
			{Credential: model.Credential{ID: "K2", Priority: 5}, Plaintext: "k2-secret"},
		},
	}
	resolver := &stubResolver{results: []llmadapter.Result{
		{Success: false},
		{Success: true, Content: "hi", TokensUsed: 42},
	}}
	limiter := &stubLimiter{admit: true}
	dispatch := &fallbackRecorder{}
	r := New(creds, nil, resolver, limiter, nil, nil, nil, 3, nil)
	r.notifyFallbackFunc = dispatch.record

	user := &model.User{ID: "U", Plan: model.PlanFree}
	result, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.KeyID != "K2" || result.Attempts != 2 || result.UsedUserKey {
		t.Fatalf("unexpected result: %+v", result)
	}
	if creds.failed["K1"] != 1 {
		t.Fatalf("expected K1 to record one failure, got %d", creds.failed["K1"])
	}
	if dispatch.from != "K1" || dispatch.to != "K2" {
		t.Fatalf("expected fallback notification K1->K2, got %s->%s", dispatch.from, dispatch.to)
	}
	if len(resolver.keysSeen) != 2 || resolver.keysSeen[0] != "k1-secret" || resolver.keysSeen[1] != "k2-secret" {
		t.Fatalf("expected each pool attempt dispatched with its own candidate's decrypted secret, got %v", resolver.keysSeen)
	}
}

func TestRoute_ScenarioB_TotalFailureTriggersMaintenance(t *testing.T) {
	creds := &stubCreds{active: []model.DecryptedCredential{}} // both disabled: no active candidates
	resolver := &stubResolver{results: nil}
	limiter := &stubLimiter{admit: true}
	maint := &stubMaintenance{}
	r := New(creds, nil, resolver, limiter, maint, nil, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree}
	result, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.Attempts != 0 {
		t.Fatalf("expected a clean failure with zero attempts, got %+v", result)
	}
	if !maint.evaluated || maint.feature != "chat" {
		t.Fatalf("expected maintenance trigger evaluated for chat, got %+v", maint)
	}
}

func TestRoute_ScenarioC_QuotaRejectionSkipsDispatch(t *testing.T) {
	creds := &stubCreds{}
	resolver := &stubResolver{}
	limiter := &stubLimiter{admit: false, remaining: ratelimit.Remaining{TokensUsed: 10000, RequestsCount: 50}}
	r := New(creds, nil, resolver, limiter, nil, nil, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree}
	_, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err == nil {
		t.Fatal("expected a quota exceeded error")
	}
	quotaErr, ok := err.(*QuotaExceededError)
	if !ok {
		t.Fatalf("expected *QuotaExceededError, got %T: %v", err, err)
	}
	if quotaErr.Remaining.TokensUsed != 10000 || quotaErr.Remaining.RequestsCount != 50 {
		t.Fatalf("expected the error to carry today's counters, got %+v", quotaErr.Remaining)
	}
	if resolver.call != 0 {
		t.Fatalf("expected no Provider Adapter call, got %d", resolver.call)
	}
}

func TestRoute_ScenarioD_AdminBypassesQuota(t *testing.T) {
	creds := &stubCreds{active: []model.DecryptedCredential{
		{Credential: model.Credential{ID: "K1"}},
	}}
	resolver := &stubResolver{results: []llmadapter.Result{{Success: true, TokensUsed: 5}}}
	limiter := &stubLimiter{admit: true} // Check itself bypasses for admins; router just trusts it
	r := New(creds, nil, resolver, limiter, nil, nil, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree, Role: adminRole()}
	result, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected admission and normal routing, got %+v", result)
	}
}

func TestRoute_ScenarioF_RAGCitationAttached(t *testing.T) {
	creds := &stubCreds{active: []model.DecryptedCredential{
		{Credential: model.Credential{ID: "K1"}},
	}}
	resolver := &stubResolver{results: []llmadapter.Result{{Success: true, Content: "aspirin blocks COX-1", TokensUsed: 10}}}
	limiter := &stubLimiter{admit: true}
	retriever := &stubRetriever{
		citations: []model.Citation{{DocumentID: "doc-1", DocumentFilename: "A.pdf", ChunkIndex: 2, SimilarityScore: 0.91}},
		chunks:    []string{"Aspirin inhibits COX-1"},
	}
	r := New(creds, nil, resolver, limiter, nil, retriever, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree}
	result, err := r.Route(context.Background(), user, "chat", "How does aspirin work?", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Citations) != 1 || result.Citations[0].DocumentFilename != "A.pdf" || result.Citations[0].SimilarityScore <= 0 {
		t.Fatalf("expected one citation referencing A.pdf, got %+v", result.Citations)
	}
}

func TestRoute_PersonalKeySucceedsSkipsPool(t *testing.T) {
	creds := &stubCreds{active: []model.DecryptedCredential{{Credential: model.Credential{ID: "K1"}}}}
	resolver := &stubResolver{
		results:     []llmadapter.Result{{Success: true}},
		keyResult:   llmadapter.Result{Success: true, Content: "hi", TokensUsed: 7},
		personalKey: "sk-personal",
	}
	limiter := &stubLimiter{admit: true}
	r := New(creds, &stubPersonal{plaintext: "sk-personal"}, resolver, limiter, nil, nil, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree, PersonalCredential: strPtr("enc-blob")}
	result, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || !result.UsedUserKey {
		t.Fatalf("expected a personal-key success, got %+v", result)
	}
	if resolver.call != 0 {
		t.Fatalf("expected the pool adapter never called, got %d calls", resolver.call)
	}
}

func TestRoute_PersonalKeyFailsFallsBackToPoolWithoutDisabling(t *testing.T) {
	creds := &stubCreds{active: []model.DecryptedCredential{{Credential: model.Credential{ID: "K1"}}}}
	resolver := &stubResolver{
		results:     []llmadapter.Result{{Success: true, TokensUsed: 3}},
		keyResult:   llmadapter.Result{Success: false},
		personalKey: "sk-bad",
	}
	limiter := &stubLimiter{admit: true}
	r := New(creds, &stubPersonal{plaintext: "sk-bad"}, resolver, limiter, nil, nil, nil, 3, nil)

	user := &model.User{ID: "U", Plan: model.PlanFree, PersonalCredential: strPtr("enc-blob")}
	result, err := r.Route(context.Background(), user, "chat", "hello", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.UsedUserKey || result.KeyID != "K1" {
		t.Fatalf("expected pool fallback after a failed personal key, got %+v", result)
	}
}

type stubRetriever struct {
	citations []model.Citation
	chunks    []string
}

func (s *stubRetriever) Search(_ context.Context, _, _ string, _ int) ([]model.Citation, []string, error) {
	return s.citations, s.chunks, nil
}

type fallbackRecorder struct {
	from, to string
}

func (f *fallbackRecorder) record(ctx context.Context, from, to, feature string) {
	f.from = from
	f.to = to
}

func strPtr(s string) *string { return &s }
