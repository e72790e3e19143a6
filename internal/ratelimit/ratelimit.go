// Package ratelimit is the Rate Limiter (§4.4): admits or rejects a request
// based on current-day usage against plan caps, and increments counters
// after a successful downstream call. Admission fails closed on a store
// error; increment failures are logged and never fail the caller's request
// since the generation already happened.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/rakunlabs/coreserver/internal/model"
)

// UserLookup is the narrow slice of store.UserStorer the limiter needs.
type UserLookup interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// UsageStore is the narrow slice of store.UsageStorer the limiter needs.
type UsageStore interface {
	GetUsageCounter(ctx context.Context, userID, date string) (model.UsageCounter, error)
	IncrementUsageCounter(ctx context.Context, userID, date string, tokens int64, featureCounterCol string) error
}

// Limiter evaluates admission and records consumption for one user's plan.
type Limiter struct {
	users UserLookup
	usage UsageStore
	// now is overridden in tests; defaults to time.Now.
	now func() time.Time
}

func New(users UserLookup, usage UsageStore) *Limiter {
	return &Limiter{users: users, usage: usage, now: time.Now}
}

// Remaining is the client-facing view of today's consumption (§4.4 remaining()).
type Remaining struct {
	TokensUsed    int64
	RequestsCount int64
	FeatureCounts map[string]int64
}

func (l *Limiter) today() string {
	return l.now().UTC().Format("2006-01-02")
}

// Check reports whether user may make one more request for feature. A store
// error fails closed (returns false) per §4.4's "fail closed for admission."
func (l *Limiter) Check(ctx context.Context, userID, feature string) (bool, error) {
	u, err := l.users.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	if u == nil {
		return false, nil
	}
	if u.Role != nil && u.Role.IsAdminLike() {
		return true, nil
	}

	limit, ok := model.DefaultPlanLimits[u.Plan]
	if !ok {
		// An unrecognized plan admits nothing rather than guessing a cap.
		return false, nil
	}

	counter, err := l.usage.GetUsageCounter(ctx, userID, l.today())
	if err != nil {
		return false, err
	}

	if counter.TokensUsed >= limit.DailyTokens {
		return false, nil
	}
	if counter.RequestsCount >= limit.DailyRequests {
		return false, nil
	}

	if cap, ok := limit.FeatureCaps[feature]; ok {
		if featureCounterValue(counter, feature) >= cap {
			return false, nil
		}
	}

	return true, nil
}

// Increment upserts today's counter after a successful call. A store error
// here is logged, not returned as a user-facing failure: the generation the
// caller is billing for already happened.
func (l *Limiter) Increment(ctx context.Context, userID string, tokens int64, feature string) {
	col := model.FeatureCounterMap[feature]
	if err := l.usage.IncrementUsageCounter(ctx, userID, l.today(), tokens, col); err != nil {
		slog.Error("rate limiter: increment usage counter failed", "user_id", userID, "feature", feature, "error", err)
	}
}

// Remaining returns today's counter values for client display.
func (l *Limiter) Remaining(ctx context.Context, userID string) (Remaining, error) {
	counter, err := l.usage.GetUsageCounter(ctx, userID, l.today())
	if err != nil {
		return Remaining{}, err
	}

	r := Remaining{
		TokensUsed:    counter.TokensUsed,
		RequestsCount: counter.RequestsCount,
		FeatureCounts: make(map[string]int64, len(model.FeatureCounterMap)),
	}
	for feature := range model.FeatureCounterMap {
		r.FeatureCounts[feature] = featureCounterValue(counter, feature)
	}
	return r, nil
}

func featureCounterValue(c model.UsageCounter, feature string) int64 {
	switch model.FeatureCounterMap[feature] {
	case "pdf_uploads":
		return c.PDFUploads
	case "mcqs_generated":
		return c.MCQsGenerated
	case "images_used":
		return c.ImagesUsed
	case "flashcards_generated":
		return c.FlashcardsGen
	default:
		return 0
	}
}
