package sqlite3

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/coreserver/internal/model"
)

// CreateAuditRecord appends an audit row. Admin mutations commit even if
// this write fails; the caller logs at error severity in that case (§7).
func (s *SQLite) CreateAuditRecord(ctx context.Context, adminID, actionType, targetType, targetID, detail string) error {
	query, _, err := s.goqu.Insert(s.tableAuditRecords).Rows(goqu.Record{
		"id": ulid.Make().String(), "admin_id": adminID, "action_type": actionType,
		"target_type": targetType, "target_id": targetID, "detail": detail,
		"created_at": formatTime(time.Now()),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert audit query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) ListAuditRecords(ctx context.Context, targetType string, limit int) ([]model.AuditRecord, error) {
	where := goqu.Ex{}
	if targetType != "" {
		where["target_type"] = targetType
	}

	query, _, err := s.goqu.From(s.tableAuditRecords).
		Select("id", "admin_id", "action_type", "target_type", "target_id", "detail", "created_at").
		Where(where).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var result []model.AuditRecord
	for rows.Next() {
		var a model.AuditRecord
		var createdAt string
		if err := rows.Scan(&a.ID, &a.AdminID, &a.ActionType, &a.TargetType, &a.TargetID, &a.Detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *SQLite) InsertHealthCheckRecord(ctx context.Context, credentialID, status string, latencyMS *int64, errText *string) error {
	query, _, err := s.goqu.Insert(s.tableHealthChecks).Rows(goqu.Record{
		"id": ulid.Make().String(), "credential_id": credentialID, "timestamp": formatTime(time.Now()),
		"status": status, "latency_ms": latencyMS, "error_text": errText,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert health check query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) ListHealthCheckRecords(ctx context.Context, credentialID string, limit int) ([]model.HealthCheckRecord, error) {
	where := goqu.Ex{}
	if credentialID != "" {
		where["credential_id"] = credentialID
	}

	query, _, err := s.goqu.From(s.tableHealthChecks).
		Select("id", "credential_id", "timestamp", "status", "latency_ms", "error_text").
		Where(where).
		Order(goqu.I("timestamp").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list health checks query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list health check records: %w", err)
	}
	defer rows.Close()

	var result []model.HealthCheckRecord
	for rows.Next() {
		var h model.HealthCheckRecord
		var ts string
		if err := rows.Scan(&h.ID, &h.CredentialID, &ts, &h.Status, &h.LatencyMS, &h.ErrorText); err != nil {
			return nil, fmt.Errorf("scan health check row: %w", err)
		}
		if h.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		result = append(result, h)
	}
	return result, rows.Err()
}
