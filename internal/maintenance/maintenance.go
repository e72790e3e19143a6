// Package maintenance is the Maintenance Controller (§4.6): when the
// credential pool cannot serve a feature, it puts the whole system into a
// degraded mode that admins exit manually. The triggering feature is
// recorded in the state; Gate applies the level to every route regardless
// of it.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/notify"
)

const flagName = "maintenance_mode"

// CredentialLookup is the narrow slice of store.CredentialStorer the
// controller needs to evaluate a trigger.
type CredentialLookup interface {
	CredentialsForFeature(ctx context.Context, feature string) ([]model.Credential, error)
}

// FlagStore is the narrow slice of store.SystemFlagStorer the controller needs.
type FlagStore interface {
	GetSystemFlag(ctx context.Context, name string) (string, bool, error)
	SetSystemFlag(ctx context.Context, name, value, updaterID string) error
	DeleteSystemFlag(ctx context.Context, name string) error
}

// AuditStore records the one audit row an admin enter or exit emits.
type AuditStore interface {
	CreateAuditRecord(ctx context.Context, adminID, actionType, targetType, targetID, detail string) error
}

// heavyFeatures are rejected during soft maintenance; document_upload and
// image are fixed by §4.6, config.HeavyFeatures extends the set.
var heavyFeatures = map[string]bool{
	"document_upload": true,
	"image":           true,
}

// SetHeavyFeatures extends the fixed heavy-route set with operator-configured
// features (config.Config.HeavyFeatures).
func SetHeavyFeatures(extra []string) {
	for _, f := range extra {
		heavyFeatures[f] = true
	}
}

// Controller evaluates triggers, gates requests, and records exits.
type Controller struct {
	creds    CredentialLookup
	flags    FlagStore
	audit    AuditStore
	dispatch *notify.Dispatcher
}

func New(creds CredentialLookup, flags FlagStore, audit AuditStore, dispatch *notify.Dispatcher) *Controller {
	return &Controller{creds: creds, flags: flags, audit: audit, dispatch: dispatch}
}

// Current returns the active maintenance state, or a zero-value, inactive
// state if the flag is absent, unparsable, or the stored level is invalid.
func (c *Controller) Current(ctx context.Context) (model.MaintenanceState, error) {
	raw, ok, err := c.flags.GetSystemFlag(ctx, flagName)
	if err != nil {
		return model.MaintenanceState{}, err
	}
	if !ok {
		return model.MaintenanceState{}, nil
	}

	var state model.MaintenanceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return model.MaintenanceState{}, nil
	}
	if !state.Level.Valid() {
		return model.MaintenanceState{}, nil
	}
	return state, nil
}

// EvaluateTrigger inspects a feature's credentials and enters maintenance
// when the pool can no longer serve it. Called by the Router on pool
// exhaustion. A nil return means no maintenance was entered.
func (c *Controller) EvaluateTrigger(ctx context.Context, feature string) (*model.MaintenanceState, error) {
	credentials, err := c.creds.CredentialsForFeature(ctx, feature)
	if err != nil {
		return nil, fmt.Errorf("maintenance: load credentials for feature %q: %w", feature, err)
	}

	level, reason, trigger := classify(credentials)
	if !trigger {
		return nil, nil
	}

	state := model.MaintenanceState{
		Level:       level,
		Reason:      reason,
		Feature:     feature,
		TriggeredAt: time.Now().UTC(),
		IsActive:    true,
	}
	if err := c.write(ctx, state, ""); err != nil {
		return nil, err
	}

	if c.dispatch != nil {
		c.dispatch.Dispatch(ctx, notify.Notification{
			Event:   notify.EventMaintenanceTriggered,
			Summary: fmt.Sprintf("entered %s maintenance for %q: %s", level, feature, reason),
			Fields: map[string]string{
				"level":   string(level),
				"feature": feature,
				"reason":  reason,
			},
		})
	}
	return &state, nil
}

// classify implements the evaluation rules in §4.6, in the order given.
func classify(credentials []model.Credential) (level model.MaintenanceLevel, reason string, trigger bool) {
	if len(credentials) == 0 {
		return model.MaintenanceSoft, "no keys configured", true
	}

	allDisabled := true
	anyActive := false
	anyDegraded := false
	for _, cr := range credentials {
		switch cr.Status {
		case model.StatusActive:
			anyActive = true
			allDisabled = false
		case model.StatusDegraded:
			anyDegraded = true
			allDisabled = false
		case model.StatusDisabled:
		}
	}

	if allDisabled {
		return model.MaintenanceHard, "total key failure", true
	}
	if anyDegraded && !anyActive {
		return model.MaintenanceSoft, "no active keys remaining, degraded keys only", true
	}
	return "", "", false
}

func (c *Controller) write(ctx context.Context, state model.MaintenanceState, updaterID string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("maintenance: marshal state: %w", err)
	}
	return c.flags.SetSystemFlag(ctx, flagName, string(raw), updaterID)
}

// Gate reports whether a request for feature should be rejected given the
// current maintenance state, and the state to report in the rejection.
// Health and admin routes are the caller's responsibility to exempt before
// calling Gate (Current is cheap enough to call unconditionally otherwise,
// but the caller knows its own route classification).
func (c *Controller) Gate(ctx context.Context, feature string, isAdminRoute bool) (bool, model.MaintenanceState, error) {
	state, err := c.Current(ctx)
	if err != nil {
		return true, state, err
	}
	if !state.IsActive {
		return true, state, nil
	}

	switch state.Level {
	case model.MaintenanceHard:
		return isAdminRoute, state, nil
	case model.MaintenanceSoft:
		if isAdminRoute {
			return true, state, nil
		}
		return !heavyFeatures[feature], state, nil
	default:
		return true, state, nil
	}
}

// Exit clears the maintenance flag and emits an admin_override notification.
// A no-op (not an error) when maintenance is not currently active.
func (c *Controller) Exit(ctx context.Context, adminID string) error {
	prior, err := c.Current(ctx)
	if err != nil {
		return err
	}
	if !prior.IsActive {
		return nil
	}

	if err := c.flags.DeleteSystemFlag(ctx, flagName); err != nil {
		return fmt.Errorf("maintenance: clear flag: %w", err)
	}

	detail := fmt.Sprintf(`{"previous_level":%q,"previous_reason":%q,"previous_feature":%q}`, prior.Level, prior.Reason, prior.Feature)
	if err := c.audit.CreateAuditRecord(ctx, adminID, "exit_maintenance", "maintenance", flagName, detail); err != nil {
		return fmt.Errorf("maintenance: audit record: %w", err)
	}

	if c.dispatch != nil {
		c.dispatch.Dispatch(ctx, notify.Notification{
			Event:   notify.EventAdminOverride,
			Summary: fmt.Sprintf("admin %s exited maintenance (was %s: %s)", adminID, prior.Level, prior.Reason),
			Fields: map[string]string{
				"admin_id":        adminID,
				"previous_level":  string(prior.Level),
				"previous_reason": prior.Reason,
			},
		})
	}
	return nil
}

// SetManual enters maintenance directly via an admin operation (POST
// /admin/maintenance), bypassing trigger evaluation.
func (c *Controller) SetManual(ctx context.Context, level model.MaintenanceLevel, reason, feature, adminID string) error {
	if !level.Valid() {
		return fmt.Errorf("maintenance: invalid level %q", level)
	}
	state := model.MaintenanceState{
		Level:       level,
		Reason:      strings.TrimSpace(reason),
		Feature:     feature,
		TriggeredBy: adminID,
		TriggeredAt: time.Now().UTC(),
		IsActive:    true,
	}
	if err := c.write(ctx, state, adminID); err != nil {
		return err
	}

	detail := fmt.Sprintf(`{"level":%q,"reason":%q,"feature":%q}`, level, state.Reason, feature)
	return c.audit.CreateAuditRecord(ctx, adminID, "enter_maintenance", "maintenance", flagName, detail)
}
