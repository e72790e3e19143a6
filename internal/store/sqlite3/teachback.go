package sqlite3

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

func (s *SQLite) CreateTeachBackSession(ctx context.Context, ownerID, topic string) (*model.TeachBackSession, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableTeachBackSess).Rows(goqu.Record{
		"id": id, "owner_id": ownerID, "topic": topic,
		"phase": string(model.TeachBackTeaching), "transcript": "[]", "score": nil,
		"created_at": formatTime(now), "updated_at": formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create teach-back session query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create teach-back session: %w", err)
	}

	return &model.TeachBackSession{
		ID: id, OwnerID: ownerID, Topic: topic, Phase: model.TeachBackTeaching,
		Transcript: "[]", CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLite) GetTeachBackSession(ctx context.Context, id string) (*model.TeachBackSession, error) {
	query, _, err := s.goqu.From(s.tableTeachBackSess).
		Select("id", "owner_id", "topic", "phase", "transcript", "score", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get teach-back session query: %w", err)
	}

	var sess model.TeachBackSession
	var phase, createdAt, updatedAt string
	err = s.db.QueryRowContext(ctx, query).Scan(&sess.ID, &sess.OwnerID, &sess.Topic, &phase, &sess.Transcript, &sess.Score, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get teach-back session %q: %w", id, err)
	}
	sess.Phase = model.TeachBackPhase(phase)
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLite) UpdateTeachBackSession(ctx context.Context, id string, phase model.TeachBackPhase, transcript string, score *float64) error {
	query, _, err := s.goqu.Update(s.tableTeachBackSess).Set(goqu.Record{
		"phase": string(phase), "transcript": transcript, "score": score, "updated_at": formatTime(time.Now()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update teach-back session query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) ListTeachBackSessions(ctx context.Context, ownerID string) ([]model.TeachBackSession, error) {
	query, _, err := s.goqu.From(s.tableTeachBackSess).
		Select("id", "owner_id", "topic", "phase", "transcript", "score", "created_at", "updated_at").
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list teach-back sessions query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list teach-back sessions: %w", err)
	}
	defer rows.Close()

	var result []model.TeachBackSession
	for rows.Next() {
		var sess model.TeachBackSession
		var phase, createdAt, updatedAt string
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Topic, &phase, &sess.Transcript, &sess.Score, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan teach-back session row: %w", err)
		}
		sess.Phase = model.TeachBackPhase(phase)
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}
