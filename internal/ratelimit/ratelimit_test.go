package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rakunlabs/coreserver/internal/model"
)

type stubUsers struct {
	user *model.User
	err  error
}

func (s *stubUsers) GetUserByID(_ context.Context, id string) (*model.User, error) {
	return s.user, s.err
}

type stubUsage struct {
	counter       model.UsageCounter
	getErr        error
	incrementErr  error
	incrementArgs []struct {
		userID, date, col string
		tokens            int64
	}
}

func (s *stubUsage) GetUsageCounter(_ context.Context, userID, date string) (model.UsageCounter, error) {
	if s.getErr != nil {
		return model.UsageCounter{}, s.getErr
	}
	return s.counter, nil
}

func (s *stubUsage) IncrementUsageCounter(_ context.Context, userID, date string, tokens int64, col string) error {
	s.incrementArgs = append(s.incrementArgs, struct {
		userID, date, col string
		tokens            int64
	}{userID, date, col, tokens})
	return s.incrementErr
}

func fixedNow() func() time.Time {
	return func() time.Time { return time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC) }
}

func TestCheck_AdminBypassesLimits(t *testing.T) {
	admin := model.RoleAdmin
	users := &stubUsers{user: &model.User{ID: "u1", Plan: model.PlanFree, Role: &admin}}
	usage := &stubUsage{counter: model.UsageCounter{TokensUsed: 999999999}}
	l := New(users, usage)
	l.now = fixedNow()

	ok, err := l.Check(context.Background(), "u1", "chat")
	if err != nil || !ok {
		t.Fatalf("expected admin to bypass limits, got ok=%v err=%v", ok, err)
	}
}

func TestCheck_FreePlanTokenCapBreached(t *testing.T) {
	users := &stubUsers{user: &model.User{ID: "u1", Plan: model.PlanFree}}
	usage := &stubUsage{counter: model.UsageCounter{TokensUsed: 10000}}
	l := New(users, usage)
	l.now = fixedNow()

	ok, err := l.Check(context.Background(), "u1", "chat")
	if err != nil || ok {
		t.Fatalf("expected free plan at cap to be denied, got ok=%v err=%v", ok, err)
	}
}

func TestCheck_FeatureCapBreached(t *testing.T) {
	users := &stubUsers{user: &model.User{ID: "u1", Plan: model.PlanFree}}
	usage := &stubUsage{counter: model.UsageCounter{PDFUploads: 999999}}
	l := New(users, usage)
	l.now = fixedNow()

	ok, err := l.Check(context.Background(), "u1", "document_upload")
	if err != nil || ok {
		t.Fatalf("expected feature cap breach to deny, got ok=%v err=%v", ok, err)
	}
}

func TestCheck_UnderAllCapsAdmits(t *testing.T) {
	users := &stubUsers{user: &model.User{ID: "u1", Plan: model.PlanStudent}}
	usage := &stubUsage{counter: model.UsageCounter{TokensUsed: 10}}
	l := New(users, usage)
	l.now = fixedNow()

	ok, err := l.Check(context.Background(), "u1", "chat")
	if err != nil || !ok {
		t.Fatalf("expected admission, got ok=%v err=%v", ok, err)
	}
}

func TestCheck_StoreErrorFailsClosed(t *testing.T) {
	users := &stubUsers{user: &model.User{ID: "u1", Plan: model.PlanFree}}
	usage := &stubUsage{getErr: errors.New("db down")}
	l := New(users, usage)
	l.now = fixedNow()

	ok, err := l.Check(context.Background(), "u1", "chat")
	if err == nil || ok {
		t.Fatalf("expected fail-closed on store error, got ok=%v err=%v", ok, err)
	}
}

func TestIncrement_ResolvesFeatureCounterColumn(t *testing.T) {
	usage := &stubUsage{}
	l := New(&stubUsers{}, usage)
	l.now = fixedNow()

	l.Increment(context.Background(), "u1", 42, "document_upload")

	if len(usage.incrementArgs) != 1 {
		t.Fatalf("expected one increment call, got %d", len(usage.incrementArgs))
	}
	got := usage.incrementArgs[0]
	if got.userID != "u1" || got.tokens != 42 || got.col != "pdf_uploads" || got.date != "2026-07-31" {
		t.Fatalf("unexpected increment args: %+v", got)
	}
}

func TestIncrement_StoreErrorDoesNotPanic(t *testing.T) {
	usage := &stubUsage{incrementErr: errors.New("db down")}
	l := New(&stubUsers{}, usage)
	l.now = fixedNow()

	l.Increment(context.Background(), "u1", 1, "chat")
}

func TestRemaining_ReportsPerFeatureCounts(t *testing.T) {
	usage := &stubUsage{counter: model.UsageCounter{
		TokensUsed: 5, RequestsCount: 2, PDFUploads: 3, MCQsGenerated: 1,
	}}
	l := New(&stubUsers{}, usage)
	l.now = fixedNow()

	r, err := l.Remaining(context.Background(), "u1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.TokensUsed != 5 || r.RequestsCount != 2 {
		t.Fatalf("unexpected totals: %+v", r)
	}
	if r.FeatureCounts["document_upload"] != 3 || r.FeatureCounts["mcq"] != 1 {
		t.Fatalf("unexpected feature counts: %+v", r.FeatureCounts)
	}
}
