// Package router is the Model Router (§4.3): turns a logical request into a
// completed response, preferring the user's personal key, then walking the
// shared credential pool in priority order until one succeeds or all are
// exhausted.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/notify"
	"github.com/rakunlabs/coreserver/internal/ratelimit"
)

// CredentialStore is the narrow slice of store.CredentialStorer the router
// needs to pick a fallback path and record outcomes.
type CredentialStore interface {
	AllActiveCredentials(ctx context.Context, provider, feature string) ([]model.DecryptedCredential, error)
	ActiveProvidersForFeature(ctx context.Context, feature string) ([]string, error)
	RecordFailure(ctx context.Context, id string) (promoted bool, newCount int, err error)
	TouchLastUsed(ctx context.Context, id string) error
}

// PersonalKeyStore decrypts a user's own bring-your-own-key credential.
type PersonalKeyStore interface {
	DecryptPersonalCredential(u *model.User) (string, error)
}

// AdapterResolver is the slice of registry.Registry the router dispatches
// through. AdapterWithKey serves both the personal-key attempt and every
// shared-pool attempt (see tryPool): each dispatch carries the specific
// credential's own decrypted secret, never a static config key.
type AdapterResolver interface {
	Resolve(feature string) (llmadapter.Adapter, string, error)
	AdapterWithKey(feature, apiKey string) (llmadapter.Adapter, string, error)
}

// RateLimiter is the slice of ratelimit.Limiter the router checks before
// dispatching, reports usage to after a successful call, and reads today's
// counters from when a request is rejected (for the QUOTA_EXCEEDED envelope).
type RateLimiter interface {
	Check(ctx context.Context, userID, feature string) (bool, error)
	Increment(ctx context.Context, userID string, tokens int64, feature string)
	Remaining(ctx context.Context, userID string) (ratelimit.Remaining, error)
}

// MaintenanceEvaluator is the slice of maintenance.Controller the router
// invokes when the credential pool is exhausted.
type MaintenanceEvaluator interface {
	EvaluateTrigger(ctx context.Context, feature string) (*model.MaintenanceState, error)
}

// Retriever is the slice of retrieval.Index the router asks for RAG context.
// Search returns the matched citations and their chunk text, ordered by
// descending similarity.
type Retriever interface {
	Search(ctx context.Context, ownerID, query string, topK int) ([]model.Citation, []string, error)
}

const ragTopK = 3

// QuotaExceededError is returned before any Provider Adapter call when the
// user's plan limits are already exhausted (§8 Scenario C). Remaining
// carries today's counters for the QUOTA_EXCEEDED error envelope (§6); it is
// the zero value if the Remaining lookup itself failed.
type QuotaExceededError struct {
	Feature   string
	Remaining ratelimit.Remaining
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for feature %q", e.Feature)
}

// Result is the outcome of a Route call. A quota rejection is reported
// through Route's error return (*QuotaExceededError), not through Result;
// pool exhaustion is reported as Success=false with a nil error.
type Result struct {
	Success     bool
	Content     string
	TokensUsed  int64
	KeyID       string
	Attempts    int
	UsedUserKey bool
	Citations   []model.Citation
}

// Router implements §4.3's selection contract.
type Router struct {
	creds       CredentialStore
	personal    PersonalKeyStore
	adapters    AdapterResolver
	limiter     RateLimiter
	maintenance MaintenanceEvaluator
	retriever   Retriever
	dispatch    *notify.Dispatcher
	maxRetries  int
	log         *slog.Logger

	// notifyFallbackFunc defaults to r.dispatchFallback; tests override it
	// to assert on fallback pairs without a live notify.Dispatcher sink.
	notifyFallbackFunc func(ctx context.Context, fromID, toID, feature string)
}

func New(
	creds CredentialStore,
	personal PersonalKeyStore,
	adapters AdapterResolver,
	limiter RateLimiter,
	maintenance MaintenanceEvaluator,
	retriever Retriever,
	dispatch *notify.Dispatcher,
	maxRetries int,
	log *slog.Logger,
) *Router {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if log == nil {
		log = slog.Default()
	}
	r := &Router{
		creds:       creds,
		personal:    personal,
		adapters:    adapters,
		limiter:     limiter,
		maintenance: maintenance,
		retriever:   retriever,
		dispatch:    dispatch,
		maxRetries:  maxRetries,
		log:         log,
	}
	r.notifyFallbackFunc = r.dispatchFallback
	return r
}

// Route resolves feature, runs the quota check, assembles RAG context, and
// attempts the personal key then the shared pool in priority order.
func (r *Router) Route(ctx context.Context, user *model.User, feature, prompt, systemPrompt string) (Result, error) {
	// Step 1 of §7's propagation rules: the quota check runs before any
	// Provider Adapter call, so a rejection never touches a credential.
	admitted, err := r.limiter.Check(ctx, user.ID, feature)
	if err != nil {
		return Result{}, fmt.Errorf("router: rate limit check: %w", err)
	}
	if !admitted {
		remaining, rerr := r.limiter.Remaining(ctx, user.ID)
		if rerr != nil {
			r.log.Error("router: load remaining usage for quota error", "user_id", user.ID, "error", rerr)
		}
		return Result{}, &QuotaExceededError{Feature: feature, Remaining: remaining}
	}

	messages, citations := r.assemblePrompt(ctx, user.ID, feature, prompt, systemPrompt)

	if result, ok := r.tryPersonalKey(ctx, user, feature, messages); ok {
		result.Citations = citations
		r.limiter.Increment(ctx, user.ID, result.TokensUsed, feature)
		return result, nil
	}

	result, err := r.tryPool(ctx, feature, messages)
	if err != nil {
		return Result{}, err
	}
	result.Citations = citations
	// Invariant: only a successful generation increments the usage counter.
	if result.Success {
		r.limiter.Increment(ctx, user.ID, result.TokensUsed, feature)
	}
	return result, nil
}

// assemblePrompt prepends the top retrieved chunks as a numbered source
// block (§4.8's last paragraph) when the retriever has any match, and
// returns the citations to attach to the assistant Message row.
func (r *Router) assemblePrompt(ctx context.Context, userID, feature, prompt, systemPrompt string) ([]llmadapter.Message, []model.Citation) {
	messages := make([]llmadapter.Message, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, llmadapter.Message{Role: "system", Content: systemPrompt})
	}

	if r.retriever == nil {
		messages = append(messages, llmadapter.Message{Role: "user", Content: prompt})
		return messages, nil
	}

	citations, chunks, err := r.retriever.Search(ctx, userID, prompt, ragTopK)
	if err != nil || len(chunks) == 0 {
		if err != nil {
			r.log.Warn("router: retrieval search failed, proceeding without context", "error", err)
		}
		messages = append(messages, llmadapter.Message{Role: "user", Content: prompt})
		return messages, nil
	}

	sources := "Sources:\n"
	for i, chunk := range chunks {
		sources += fmt.Sprintf("%d. %s\n", i+1, chunk)
	}
	messages = append(messages, llmadapter.Message{Role: "user", Content: sources + "\n" + prompt})
	return messages, citations
}

// tryPersonalKey attempts the user's bring-your-own-key credential first
// (§4.3 step 1). Failure is recorded in the log only: it never disables the
// key, which is an explicit user action taken outside the router.
func (r *Router) tryPersonalKey(ctx context.Context, user *model.User, feature string, messages []llmadapter.Message) (Result, bool) {
	if user.PersonalCredential == nil || r.personal == nil {
		return Result{}, false
	}

	plaintext, err := r.personal.DecryptPersonalCredential(user)
	if err != nil {
		r.log.Warn("router: personal credential decrypt failed", "user_id", user.ID, "error", err)
		return Result{}, false
	}

	adapter, modelID, err := r.adapters.AdapterWithKey(feature, plaintext)
	if err != nil {
		r.log.Warn("router: personal credential adapter build failed", "user_id", user.ID, "error", err)
		return Result{}, false
	}

	res := adapter.Call(ctx, modelID, messages)
	if !res.Success {
		r.log.Info("router: personal key attempt failed, falling back to pool", "user_id", user.ID, "feature", feature, "error", res.Err)
		return Result{}, false
	}

	return Result{
		Success:     true,
		Content:     res.Content,
		TokensUsed:  res.TokensUsed,
		UsedUserKey: true,
		Attempts:    0,
	}, true
}

// tryPool walks the shared credential pool in priority order (§4.3 steps
// 2-6). Each attempt dispatches through its own candidate's decrypted
// secret (registry.AdapterWithKey), not the feature's static config key:
// fallback only actually tries a different key if the HTTP call carries a
// different key.
func (r *Router) tryPool(ctx context.Context, feature string, messages []llmadapter.Message) (Result, error) {
	provider := r.resolveProviderHint(ctx, feature)

	candidates, err := r.creds.AllActiveCredentials(ctx, provider, feature)
	if err != nil {
		return Result{}, fmt.Errorf("router: load candidates: %w", err)
	}

	attempts := 0
	var previousFailedID string
	limit := len(candidates)
	if r.maxRetries < limit {
		limit = r.maxRetries
	}

	for i := 0; i < limit; i++ {
		cred := candidates[i]
		attempts++

		adapter, modelID, err := r.adapters.AdapterWithKey(feature, cred.Plaintext)
		if err != nil {
			r.log.Error("router: build pool adapter failed", "credential_id", cred.ID, "error", err)
			if _, _, rerr := r.creds.RecordFailure(ctx, cred.ID); rerr != nil {
				r.log.Error("router: record failure failed", "credential_id", cred.ID, "error", rerr)
			}
			previousFailedID = cred.ID
			continue
		}

		res := adapter.Call(ctx, modelID, messages)
		if res.Success {
			if err := r.creds.TouchLastUsed(ctx, cred.ID); err != nil {
				r.log.Error("router: touch last_used failed", "credential_id", cred.ID, "error", err)
			}
			if previousFailedID != "" {
				r.notifyFallbackFunc(ctx, previousFailedID, cred.ID, feature)
			}
			return Result{
				Success:    true,
				Content:    res.Content,
				TokensUsed: res.TokensUsed,
				KeyID:      cred.ID,
				Attempts:   attempts,
			}, nil
		}

		if _, _, err := r.creds.RecordFailure(ctx, cred.ID); err != nil {
			r.log.Error("router: record failure failed", "credential_id", cred.ID, "error", err)
		}
		previousFailedID = cred.ID
	}

	// Pool exhausted (or empty): every candidate failed or none existed.
	if r.maintenance != nil {
		if _, err := r.maintenance.EvaluateTrigger(ctx, feature); err != nil {
			r.log.Error("router: maintenance trigger evaluation failed", "feature", feature, "error", err)
		}
	}
	return Result{Success: false, Attempts: attempts}, nil
}

// resolveProviderHint asks the Credential Store which provider currently
// has the highest-priority active credential for feature, to narrow the
// AllActiveCredentials query to that provider's pool.
func (r *Router) resolveProviderHint(ctx context.Context, feature string) string {
	providers, err := r.creds.ActiveProvidersForFeature(ctx, feature)
	if err != nil || len(providers) == 0 {
		return "openrouter"
	}
	return providers[0]
}

func (r *Router) dispatchFallback(ctx context.Context, fromID, toID, feature string) {
	if r.dispatch == nil {
		return
	}
	r.dispatch.Dispatch(ctx, notify.Notification{
		Event:   notify.EventFallback,
		Summary: fmt.Sprintf("%s fell back from credential %s to %s", feature, fromID, toID),
		Fields: map[string]string{
			"feature":  feature,
			"from_key": fromID,
			"to_key":   toID,
		},
	})
}
