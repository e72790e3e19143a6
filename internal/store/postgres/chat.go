package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/coreserver/internal/model"
)

func (p *Postgres) CreateChatSession(ctx context.Context, ownerID, title string) (*model.ChatSession, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := p.goqu.Insert(p.tableChatSessions).Rows(goqu.Record{
		"id": id, "owner_id": ownerID, "title": title, "created_at": now, "updated_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create session query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create chat session: %w", err)
	}

	return &model.ChatSession{ID: id, OwnerID: ownerID, Title: title, CreatedAt: now, UpdatedAt: now}, nil
}

func (p *Postgres) GetChatSession(ctx context.Context, id string) (*model.ChatSession, error) {
	query, _, err := p.goqu.From(p.tableChatSessions).
		Select("id", "owner_id", "title", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}

	var s model.ChatSession
	err = p.db.QueryRowContext(ctx, query).Scan(&s.ID, &s.OwnerID, &s.Title, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat session %q: %w", id, err)
	}
	return &s, nil
}

func (p *Postgres) ListChatSessions(ctx context.Context, ownerID string, limit int) ([]model.ChatSession, error) {
	query, _, err := p.goqu.From(p.tableChatSessions).
		Select("id", "owner_id", "title", "created_at", "updated_at").
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("updated_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()

	var result []model.ChatSession
	for rows.Next() {
		var s model.ChatSession
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Title, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (p *Postgres) CreateMessage(ctx context.Context, sessionID string, role model.MessageRole, content string, tokensUsed *int64, citations []model.Citation) (*model.Message, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	var citationsJSON []byte
	if len(citations) > 0 {
		var err error
		citationsJSON, err = json.Marshal(citations)
		if err != nil {
			return nil, fmt.Errorf("marshal citations: %w", err)
		}
	}

	query, _, err := p.goqu.Insert(p.tableMessages).Rows(goqu.Record{
		"id": id, "session_id": sessionID, "role": string(role), "content": content,
		"tokens_used": tokensUsed, "citations": citationsJSON, "created_at": now,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create message query: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	touchQuery, _, _ := p.goqu.Update(p.tableChatSessions).
		Set(goqu.Record{"updated_at": now}).
		Where(goqu.I("id").Eq(sessionID)).ToSQL()
	_, _ = p.db.ExecContext(ctx, touchQuery)

	return &model.Message{
		ID: id, SessionID: sessionID, Role: role, Content: content,
		TokensUsed: tokensUsed, Citations: citations, CreatedAt: now,
	}, nil
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID string) ([]model.Message, error) {
	query, _, err := p.goqu.From(p.tableMessages).
		Select("id", "session_id", "role", "content", "tokens_used", "citations", "created_at").
		Where(goqu.I("session_id").Eq(sessionID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []model.Message
	for rows.Next() {
		var m model.Message
		var citationsJSON []byte
		var role string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &m.TokensUsed, &citationsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = model.MessageRole(role)
		if len(citationsJSON) > 0 {
			if err := json.Unmarshal(citationsJSON, &m.Citations); err != nil {
				return nil, fmt.Errorf("unmarshal citations: %w", err)
			}
		}
		result = append(result, m)
	}
	return result, rows.Err()
}
