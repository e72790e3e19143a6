// Package registry wires config.Providers into concrete llmadapter.Adapter
// instances and resolves a feature tag to the adapter + model the Router
// should dispatch to. It is separate from internal/llmadapter itself so that
// package can stay a leaf the vendor subpackages import without a cycle.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/rakunlabs/coreserver/internal/config"
	"github.com/rakunlabs/coreserver/internal/llmadapter"
	"github.com/rakunlabs/coreserver/internal/llmadapter/anthropic"
	"github.com/rakunlabs/coreserver/internal/llmadapter/gemini"
	"github.com/rakunlabs/coreserver/internal/llmadapter/openai"
)

// New constructs the Adapter for one config.LLMConfig entry. The "openai"
// type also serves any OpenAI-compatible gateway, including the default
// OpenRouter binding.
func New(cfg config.LLMConfig) (llmadapter.Adapter, error) {
	switch cfg.Type {
	case "openai", "":
		return openai.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	case "gemini":
		return gemini.New(cfg.APIKey, cfg.Model, cfg.BaseURL, cfg.Proxy, cfg.InsecureSkipVerify)
	default:
		return nil, fmt.Errorf("llmadapter: unknown provider type %q", cfg.Type)
	}
}

// Registry resolves a feature tag to the Adapter and model the Router
// should dispatch to. It never branches on the provider label carried by a
// credential: dispatch is by feature only. The provider tag only orders and
// narrows credential selection (see the Router's resolveProviderHint).
type Registry struct {
	adapters      map[string]llmadapter.Adapter
	models        map[string]string
	defaultModels map[string]string           // provider name -> its configured default model
	templates     map[string]config.LLMConfig // provider name -> its static config, for ad-hoc rebuilds
	def           string
}

// NewRegistry builds one Adapter per configured provider and resolves each
// feature's adapter via cfg.DefaultProvider unless an entry in
// cfg.FeatureModels names one explicitly as "provider/model".
func NewRegistry(cfg *config.Config) (*Registry, error) {
	r := &Registry{
		adapters:      make(map[string]llmadapter.Adapter, len(cfg.Providers)),
		models:        make(map[string]string, len(cfg.FeatureModels)),
		defaultModels: make(map[string]string, len(cfg.Providers)),
		templates:     make(map[string]config.LLMConfig, len(cfg.Providers)),
		def:           cfg.DefaultProvider,
	}

	for name, pc := range cfg.Providers {
		a, err := New(pc)
		if err != nil {
			return nil, fmt.Errorf("llmadapter: provider %q: %w", name, err)
		}
		r.adapters[name] = a
		r.defaultModels[name] = pc.Model
		r.templates[name] = pc
	}

	for feature, spec := range cfg.FeatureModels {
		r.models[feature] = spec
	}

	return r, nil
}

// Resolve returns the Adapter and model id to use for a feature tag.
// cfg.FeatureModels entries of the form "provider/model" pin a non-default
// provider; a bare model string uses cfg.DefaultProvider.
func (r *Registry) Resolve(feature string) (llmadapter.Adapter, string, error) {
	provider, modelID := r.resolveProvider(feature)

	a, ok := r.adapters[provider]
	if !ok {
		return nil, "", fmt.Errorf("llmadapter: no provider configured for %q (feature %q)", provider, feature)
	}
	return a, modelID, nil
}

// resolveProvider applies the same "provider/model" prefix parsing as
// Resolve, without looking up the built Adapter, for callers that need the
// provider name itself (personal-key rebuilds, provider-hint labeling).
func (r *Registry) resolveProvider(feature string) (provider, modelID string) {
	provider = r.def
	modelID = r.models[feature]
	if idx := strings.IndexByte(modelID, '/'); idx >= 0 {
		provider = modelID[:idx]
		modelID = modelID[idx+1:]
	}
	return provider, modelID
}

// AdapterWithKey rebuilds the feature's configured provider binding with
// apiKey substituted for the static configured key, leaving type/base
// URL/model untouched. Used for the Router's personal-key attempt (§4.3
// step 1): the user's own key dials the same upstream the feature is bound
// to, it does not pick a different vendor.
func (r *Registry) AdapterWithKey(feature, apiKey string) (llmadapter.Adapter, string, error) {
	provider, modelID := r.resolveProvider(feature)

	tmpl, ok := r.templates[provider]
	if !ok {
		return nil, "", fmt.Errorf("llmadapter: no provider configured for %q (feature %q)", provider, feature)
	}
	tmpl.APIKey = apiKey

	a, err := New(tmpl)
	if err != nil {
		return nil, "", fmt.Errorf("llmadapter: build personal-key adapter for %q: %w", provider, err)
	}
	return a, modelID, nil
}

// AdapterForProviderWithKey rebuilds provider's static binding with apiKey
// substituted for the configured key, leaving type/base URL/model untouched.
// The Health Monitor uses this so a probe actually exercises a credential's
// own decrypted secret (§4.5) rather than the provider's static config key.
func (r *Registry) AdapterForProviderWithKey(provider, apiKey string) (llmadapter.Adapter, string, error) {
	tmpl, ok := r.templates[provider]
	if !ok {
		return nil, "", fmt.Errorf("llmadapter: no provider configured for %q", provider)
	}
	tmpl.APIKey = apiKey

	a, err := New(tmpl)
	if err != nil {
		return nil, "", fmt.Errorf("llmadapter: build probe adapter for %q: %w", provider, err)
	}
	return a, r.defaultModels[provider], nil
}

// Call resolves the feature's adapter and invokes it in one step.
func (r *Registry) Call(ctx context.Context, feature string, messages []llmadapter.Message) llmadapter.Result {
	a, model, err := r.Resolve(feature)
	if err != nil {
		return llmadapter.Result{Err: err}
	}
	return a.Call(ctx, model, messages)
}
