package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rakunlabs/coreserver/internal/model"
)

func scanUsage(sc interface{ Scan(...any) error }) (model.UsageCounter, error) {
	var u model.UsageCounter
	err := sc.Scan(&u.UserID, &u.Date, &u.TokensUsed, &u.RequestsCount, &u.PDFUploads, &u.MCQsGenerated, &u.ImagesUsed, &u.FlashcardsGen, &u.UpdatedAt)
	return u, err
}

// GetUsageCounter returns today's (or any date's) counter row for a user, or
// a zero-value counter if none exists yet (implicit daily reset, §4.4).
func (p *Postgres) GetUsageCounter(ctx context.Context, userID, date string) (model.UsageCounter, error) {
	query, _, err := p.goqu.From(p.tableUsageCounters).
		Select("user_id", "date", "tokens_used", "requests_count", "pdf_uploads", "mcqs_generated", "images_used", "flashcards_generated", "updated_at").
		Where(goqu.I("user_id").Eq(userID), goqu.I("date").Eq(date)).
		ToSQL()
	if err != nil {
		return model.UsageCounter{}, fmt.Errorf("build get usage query: %w", err)
	}

	u, err := scanUsage(p.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return model.UsageCounter{UserID: userID, Date: date}, nil
	}
	if err != nil {
		return model.UsageCounter{}, fmt.Errorf("get usage counter: %w", err)
	}
	return u, nil
}

// IncrementUsageCounter upserts today's counter via a single
// INSERT ... ON CONFLICT DO UPDATE round trip (§9: best-effort, not
// transactional; small overcounts under concurrent writers are acceptable).
func (p *Postgres) IncrementUsageCounter(ctx context.Context, userID, date string, tokens int64, featureCounterCol string) error {
	now := time.Now().UTC()

	insert := goqu.Record{
		"user_id": userID, "date": date,
		"tokens_used": tokens, "requests_count": 1,
		"pdf_uploads": 0, "mcqs_generated": 0, "images_used": 0, "flashcards_generated": 0,
		"updated_at": now,
	}
	if featureCounterCol != "" {
		insert[featureCounterCol] = 1
	}

	// goqu's portable OnConflict DoUpdate doesn't expose "col = col + excluded.col"
	// cleanly across dialects, so build the upsert with literal expressions.
	// Unqualified column names on the left resolve to the target row being
	// updated; EXCLUDED refers to the row that triggered the conflict.
	setTokens := goqu.L("tokens_used + EXCLUDED.tokens_used")
	setRequests := goqu.L("requests_count + EXCLUDED.requests_count")
	setPDF := goqu.L("pdf_uploads + EXCLUDED.pdf_uploads")
	setMCQ := goqu.L("mcqs_generated + EXCLUDED.mcqs_generated")
	setImg := goqu.L("images_used + EXCLUDED.images_used")
	setFlash := goqu.L("flashcards_generated + EXCLUDED.flashcards_generated")

	query, _, err := p.goqu.Insert(p.tableUsageCounters).
		Rows(insert).
		OnConflict(goqu.DoUpdate("user_id, date", goqu.Record{
			"tokens_used":          setTokens,
			"requests_count":       setRequests,
			"pdf_uploads":          setPDF,
			"mcqs_generated":       setMCQ,
			"images_used":          setImg,
			"flashcards_generated": setFlash,
			"updated_at":           now,
		})).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build increment usage query: %w", err)
	}

	_, err = p.db.ExecContext(ctx, query)
	return err
}

// ResetUsageCounter clears a user's counter for a date (admin-only reset,
// §3: "never decreased except by admin reset").
func (p *Postgres) ResetUsageCounter(ctx context.Context, userID, date string) error {
	query, _, err := p.goqu.Update(p.tableUsageCounters).Set(goqu.Record{
		"tokens_used": 0, "requests_count": 0, "pdf_uploads": 0,
		"mcqs_generated": 0, "images_used": 0, "flashcards_generated": 0,
		"updated_at": time.Now().UTC(),
	}).Where(goqu.I("user_id").Eq(userID), goqu.I("date").Eq(date)).ToSQL()
	if err != nil {
		return fmt.Errorf("build reset usage query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}
