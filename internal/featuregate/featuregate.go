// Package featuregate is the Feature Gate (§4.7): a per-feature kill switch
// backed by system_flags rows, read fresh from the store on every request.
// Flags are not cached in process, so no lock guards them.
package featuregate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// FlagStore is the narrow slice of store.SystemFlagStorer the gate needs.
type FlagStore interface {
	GetSystemFlag(ctx context.Context, name string) (string, bool, error)
	SetSystemFlag(ctx context.Context, name, value, updaterID string) error
}

// AuditStore records the one audit row an admin toggle emits.
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, adminID, actionType, targetType, targetID, detail string) error
}

// pathFeatureMap is the fixed path→feature tag map (§4.7). Routes absent
// from this map always pass; routes present in exemptPrefixes always pass
// regardless of flag state.
var pathFeatureMap = map[string]string{
	"/chat/sessions":       "chat",
	"/documents":           "document_upload",
	"/teach-back/sessions": "teachback",
}

var exemptPrefixes = []string{
	"/health",
	"/auth",
	"/admin",
}

// Gate evaluates and toggles per-feature enable flags. Flags are read fresh
// from the store on every call per §4.7 rather than cached — admin toggles
// must take effect on the very next request.
type Gate struct {
	store FlagStore
	audit AuditStore
}

func New(store FlagStore, audit AuditStore) *Gate {
	return &Gate{store: store, audit: audit}
}

func flagName(feature string) string {
	return "feature_" + feature + "_enabled"
}

// FeatureForPath derives the feature tag for an incoming request path, or
// "" if the path is unmapped (always passes) or exempt (always passes).
func FeatureForPath(path string) string {
	for _, prefix := range exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ""
		}
	}
	for prefix, feature := range pathFeatureMap {
		if strings.HasPrefix(path, prefix) {
			return feature
		}
	}
	return ""
}

// Allowed reports whether feature is enabled. Missing or unparsable flag
// values default to enabled (§4.7: never block legitimate traffic on a
// misconfiguration). A store error also defaults to enabled for the same
// reason — the gate is a kill switch, not an admission control, so it must
// fail open.
func (g *Gate) Allowed(ctx context.Context, feature string) bool {
	if feature == "" {
		return true
	}

	value, ok, err := g.store.GetSystemFlag(ctx, flagName(feature))
	if err != nil || !ok {
		return true
	}

	enabled, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return true
	}
	return enabled
}

// Toggle upserts the flag and writes one audit record, per §4.7/§4.9.
func (g *Gate) Toggle(ctx context.Context, feature string, enabled bool, adminID string) error {
	value := strconv.FormatBool(enabled)
	if err := g.store.SetSystemFlag(ctx, flagName(feature), value, adminID); err != nil {
		return fmt.Errorf("featuregate: set flag: %w", err)
	}

	detail := fmt.Sprintf(`{"feature":%q,"enabled":%t}`, feature, enabled)
	if err := g.audit.CreateAuditRecord(ctx, adminID, "toggle_feature", "feature", feature, detail); err != nil {
		// Per §7/§4.9: the mutation already committed; an audit failure is
		// logged by the caller's handler, never rolls back the toggle.
		return fmt.Errorf("featuregate: audit record: %w", err)
	}
	return nil
}

// FeatureDisabledError is the rejection shape for a disabled feature,
// carrying the feature name as §4.7 requires.
type FeatureDisabledError struct {
	Feature string
}

func (e *FeatureDisabledError) Error() string {
	return fmt.Sprintf("feature %q is disabled", e.Feature)
}
