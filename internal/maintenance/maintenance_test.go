package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rakunlabs/coreserver/internal/model"
)

type stubCredLookup struct {
	byFeature map[string][]model.Credential
}

func (s *stubCredLookup) CredentialsForFeature(_ context.Context, feature string) ([]model.Credential, error) {
	return s.byFeature[feature], nil
}

type stubFlags struct {
	value    string
	hasValue bool
	setCalls int
	delCalls int
}

func (s *stubFlags) GetSystemFlag(_ context.Context, name string) (string, bool, error) {
	if !s.hasValue {
		return "", false, nil
	}
	return s.value, true, nil
}

func (s *stubFlags) SetSystemFlag(_ context.Context, name, value, updaterID string) error {
	s.value = value
	s.hasValue = true
	s.setCalls++
	return nil
}

func (s *stubFlags) DeleteSystemFlag(_ context.Context, name string) error {
	s.hasValue = false
	s.value = ""
	s.delCalls++
	return nil
}

type stubAudit struct {
	called bool
	err    error
}

func (s *stubAudit) CreateAuditRecord(_ context.Context, adminID, actionType, targetType, targetID, detail string) error {
	s.called = true
	return s.err
}

func TestClassify_NoCredentials(t *testing.T) {
	level, reason, trigger := classify(nil)
	if !trigger || level != model.MaintenanceSoft || reason != "no keys configured" {
		t.Fatalf("got level=%v reason=%q trigger=%v", level, reason, trigger)
	}
}

func TestClassify_AllDisabled(t *testing.T) {
	creds := []model.Credential{{Status: model.StatusDisabled}, {Status: model.StatusDisabled}}
	level, reason, trigger := classify(creds)
	if !trigger || level != model.MaintenanceHard || reason != "total key failure" {
		t.Fatalf("got level=%v reason=%q trigger=%v", level, reason, trigger)
	}
}

func TestClassify_DegradedOnlyNoActive(t *testing.T) {
	creds := []model.Credential{{Status: model.StatusDegraded}, {Status: model.StatusDisabled}}
	level, _, trigger := classify(creds)
	if !trigger || level != model.MaintenanceSoft {
		t.Fatalf("got level=%v trigger=%v", level, trigger)
	}
}

func TestClassify_HasActiveNoTrigger(t *testing.T) {
	creds := []model.Credential{{Status: model.StatusActive}, {Status: model.StatusDegraded}}
	_, _, trigger := classify(creds)
	if trigger {
		t.Fatal("expected no trigger when an active credential remains")
	}
}

func TestEvaluateTrigger_WritesStateAndNotifies(t *testing.T) {
	creds := &stubCredLookup{byFeature: map[string][]model.Credential{"chat": {{Status: model.StatusDisabled}}}}
	flags := &stubFlags{}
	c := New(creds, flags, &stubAudit{}, nil)

	state, err := c.EvaluateTrigger(context.Background(), "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state == nil || state.Level != model.MaintenanceHard || !state.IsActive {
		t.Fatalf("unexpected state: %+v", state)
	}
	if flags.setCalls != 1 {
		t.Fatalf("expected one flag write, got %d", flags.setCalls)
	}
}

func TestEvaluateTrigger_NoTriggerLeavesFlagUntouched(t *testing.T) {
	creds := &stubCredLookup{byFeature: map[string][]model.Credential{"chat": {{Status: model.StatusActive}}}}
	flags := &stubFlags{}
	c := New(creds, flags, &stubAudit{}, nil)

	state, err := c.EvaluateTrigger(context.Background(), "chat")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != nil {
		t.Fatalf("expected no state change, got %+v", state)
	}
	if flags.setCalls != 0 {
		t.Fatalf("expected no flag write, got %d", flags.setCalls)
	}
}

func TestGate_InactiveAlwaysPasses(t *testing.T) {
	flags := &stubFlags{}
	c := New(&stubCredLookup{}, flags, &stubAudit{}, nil)

	ok, _, err := c.Gate(context.Background(), "document_upload", false)
	if err != nil || !ok {
		t.Fatalf("expected pass when inactive, got ok=%v err=%v", ok, err)
	}
}

func TestGate_SoftRejectsHeavyFeatureAllowsChat(t *testing.T) {
	state := model.MaintenanceState{Level: model.MaintenanceSoft, IsActive: true}
	raw, _ := json.Marshal(state)
	flags := &stubFlags{value: string(raw), hasValue: true}
	c := New(&stubCredLookup{}, flags, &stubAudit{}, nil)

	ok, _, err := c.Gate(context.Background(), "document_upload", false)
	if err != nil || ok {
		t.Fatalf("expected heavy feature rejected under soft maintenance, got ok=%v err=%v", ok, err)
	}

	ok, _, err = c.Gate(context.Background(), "chat", false)
	if err != nil || !ok {
		t.Fatalf("expected chat to pass under soft maintenance, got ok=%v err=%v", ok, err)
	}
}

func TestGate_HardRejectsEverythingExceptAdmin(t *testing.T) {
	state := model.MaintenanceState{Level: model.MaintenanceHard, IsActive: true}
	raw, _ := json.Marshal(state)
	flags := &stubFlags{value: string(raw), hasValue: true}
	c := New(&stubCredLookup{}, flags, &stubAudit{}, nil)

	ok, _, err := c.Gate(context.Background(), "chat", false)
	if err != nil || ok {
		t.Fatalf("expected chat rejected under hard maintenance, got ok=%v err=%v", ok, err)
	}

	ok, _, err = c.Gate(context.Background(), "chat", true)
	if err != nil || !ok {
		t.Fatalf("expected admin route to pass under hard maintenance, got ok=%v err=%v", ok, err)
	}
}

func TestExit_NoopWhenNotActive(t *testing.T) {
	flags := &stubFlags{}
	audit := &stubAudit{}
	c := New(&stubCredLookup{}, flags, audit, nil)

	if err := c.Exit(context.Background(), "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if audit.called {
		t.Error("expected no audit record when maintenance was not active")
	}
}

func TestExit_ClearsFlagAndWritesAudit(t *testing.T) {
	state := model.MaintenanceState{Level: model.MaintenanceSoft, Reason: "no keys configured", IsActive: true}
	raw, _ := json.Marshal(state)
	flags := &stubFlags{value: string(raw), hasValue: true}
	audit := &stubAudit{}
	c := New(&stubCredLookup{}, flags, audit, nil)

	if err := c.Exit(context.Background(), "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.delCalls != 1 {
		t.Fatalf("expected flag to be deleted, got %d calls", flags.delCalls)
	}
	if !audit.called {
		t.Error("expected an audit record to be written")
	}
}

func TestExit_AuditFailurePropagatesAfterFlagCleared(t *testing.T) {
	state := model.MaintenanceState{Level: model.MaintenanceHard, IsActive: true}
	raw, _ := json.Marshal(state)
	flags := &stubFlags{value: string(raw), hasValue: true}
	audit := &stubAudit{err: errors.New("audit db down")}
	c := New(&stubCredLookup{}, flags, audit, nil)

	if err := c.Exit(context.Background(), "admin-1"); err == nil {
		t.Error("expected the audit failure to be reported")
	}
	if flags.delCalls != 1 {
		t.Error("expected the flag to already be cleared before the audit write runs")
	}
}

func TestSetManual_RejectsInvalidLevel(t *testing.T) {
	c := New(&stubCredLookup{}, &stubFlags{}, &stubAudit{}, nil)
	if err := c.SetManual(context.Background(), model.MaintenanceLevel("bogus"), "x", "chat", "admin-1"); err == nil {
		t.Error("expected an error for an invalid level")
	}
}
