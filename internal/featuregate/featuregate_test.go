package featuregate

import (
	"context"
	"errors"
	"testing"
)

type stubFlags struct {
	values  map[string]string
	getErr  error
	setErr  error
	lastSet struct{ name, value, updaterID string }
}

func (s *stubFlags) GetSystemFlag(_ context.Context, name string) (string, bool, error) {
	if s.getErr != nil {
		return "", false, s.getErr
	}
	v, ok := s.values[name]
	return v, ok, nil
}

func (s *stubFlags) SetSystemFlag(_ context.Context, name, value, updaterID string) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.lastSet = struct{ name, value, updaterID string }{name, value, updaterID}
	return nil
}

type stubAudit struct {
	err    error
	called bool
}

func (s *stubAudit) CreateAuditRecord(_ context.Context, adminID, actionType, targetType, targetID, detail string) error {
	s.called = true
	return s.err
}

func TestFeatureForPath(t *testing.T) {
	cases := []struct {
		path string
		want string
	}{
		{"/chat/sessions", "chat"},
		{"/chat/sessions/abc/messages", "chat"},
		{"/documents", "document_upload"},
		{"/teach-back/sessions", "teachback"},
		{"/health", ""},
		{"/auth/login", ""},
		{"/admin/api-keys", ""},
		{"/unmapped/route", ""},
	}
	for _, c := range cases {
		if got := FeatureForPath(c.path); got != c.want {
			t.Errorf("FeatureForPath(%q) = %q, want %q", c.path, got, c.want)
		}
	}
}

func TestAllowed_MissingFlagDefaultsEnabled(t *testing.T) {
	g := New(&stubFlags{values: map[string]string{}}, &stubAudit{})
	if !g.Allowed(context.Background(), "chat") {
		t.Error("expected missing flag to default to enabled")
	}
}

func TestAllowed_UnparsableValueDefaultsEnabled(t *testing.T) {
	g := New(&stubFlags{values: map[string]string{"feature_chat_enabled": "maybe"}}, &stubAudit{})
	if !g.Allowed(context.Background(), "chat") {
		t.Error("expected unparsable flag to default to enabled")
	}
}

func TestAllowed_ExplicitFalseDisables(t *testing.T) {
	g := New(&stubFlags{values: map[string]string{"feature_chat_enabled": "false"}}, &stubAudit{})
	if g.Allowed(context.Background(), "chat") {
		t.Error("expected explicit false to disable")
	}
}

func TestAllowed_CaseInsensitive(t *testing.T) {
	g := New(&stubFlags{values: map[string]string{"feature_chat_enabled": "FALSE"}}, &stubAudit{})
	if g.Allowed(context.Background(), "chat") {
		t.Error("expected case-insensitive false to disable")
	}
}

func TestAllowed_StoreErrorDefaultsEnabled(t *testing.T) {
	g := New(&stubFlags{getErr: errors.New("db down")}, &stubAudit{})
	if !g.Allowed(context.Background(), "chat") {
		t.Error("expected store error to fail open")
	}
}

func TestAllowed_EmptyFeatureAlwaysPasses(t *testing.T) {
	g := New(&stubFlags{values: map[string]string{}}, &stubAudit{})
	if !g.Allowed(context.Background(), "") {
		t.Error("expected empty feature tag to always pass")
	}
}

func TestToggle_SetsFlagAndWritesAudit(t *testing.T) {
	flags := &stubFlags{values: map[string]string{}}
	audit := &stubAudit{}
	g := New(flags, audit)

	if err := g.Toggle(context.Background(), "chat", false, "admin-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if flags.lastSet.name != "feature_chat_enabled" || flags.lastSet.value != "false" || flags.lastSet.updaterID != "admin-1" {
		t.Errorf("unexpected SetSystemFlag call: %+v", flags.lastSet)
	}
	if !audit.called {
		t.Error("expected an audit record to be written")
	}
}

func TestToggle_AuditFailureIsReportedNotSwallowed(t *testing.T) {
	flags := &stubFlags{values: map[string]string{}}
	audit := &stubAudit{err: errors.New("audit db down")}
	g := New(flags, audit)

	if err := g.Toggle(context.Background(), "chat", true, "admin-1"); err == nil {
		t.Error("expected an error when the audit write fails")
	}
	if flags.lastSet.value != "true" {
		t.Error("expected the flag mutation to have already been applied before the audit failure")
	}
}
