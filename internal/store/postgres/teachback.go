package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/coreserver/internal/model"
)

func (p *Postgres) CreateTeachBackSession(ctx context.Context, ownerID, topic string) (*model.TeachBackSession, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableTeachBackSess).Rows(goqu.Record{
		"id": id, "owner_id": ownerID, "topic": topic,
		"phase": string(model.TeachBackTeaching), "transcript": "[]", "score": nil,
		"created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create teach-back session query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create teach-back session: %w", err)
	}

	return &model.TeachBackSession{
		ID: id, OwnerID: ownerID, Topic: topic, Phase: model.TeachBackTeaching,
		Transcript: "[]", CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (p *Postgres) GetTeachBackSession(ctx context.Context, id string) (*model.TeachBackSession, error) {
	query, _, err := p.goqu.From(p.tableTeachBackSess).
		Select("id", "owner_id", "topic", "phase", "transcript", "score", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get teach-back session query: %w", err)
	}

	var s model.TeachBackSession
	var phase string
	err = p.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.OwnerID, &s.Topic, &phase, &s.Transcript, &s.Score, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get teach-back session %q: %w", id, err)
	}
	s.Phase = model.TeachBackPhase(phase)
	return &s, nil
}

func (p *Postgres) UpdateTeachBackSession(ctx context.Context, id string, phase model.TeachBackPhase, transcript string, score *float64) error {
	query, _, err := p.goqu.Update(p.tableTeachBackSess).Set(goqu.Record{
		"phase": string(phase), "transcript": transcript, "score": score, "updated_at": time.Now().UTC(),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update teach-back session query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) ListTeachBackSessions(ctx context.Context, ownerID string) ([]model.TeachBackSession, error) {
	query, _, err := p.goqu.From(p.tableTeachBackSess).
		Select("id", "owner_id", "topic", "phase", "transcript", "score", "created_at", "updated_at").
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list teach-back sessions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list teach-back sessions: %w", err)
	}
	defer rows.Close()

	var result []model.TeachBackSession
	for rows.Next() {
		var s model.TeachBackSession
		var phase string
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Topic, &phase, &s.Transcript, &s.Score, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan teach-back session row: %w", err)
		}
		s.Phase = model.TeachBackPhase(phase)
		result = append(result, s)
	}
	return result, rows.Err()
}
