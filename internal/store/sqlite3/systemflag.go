package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rakunlabs/coreserver/internal/model"
)

// GetSystemFlag returns the named flag's value, or ("", false, nil) if unset.
func (s *SQLite) GetSystemFlag(ctx context.Context, name string) (string, bool, error) {
	query, _, err := s.goqu.From(s.tableSystemFlags).
		Select("value").
		Where(goqu.I("name").Eq(name)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get flag query: %w", err)
	}

	var value string
	err = s.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get flag %q: %w", name, err)
	}
	return value, true, nil
}

// SetSystemFlag upserts a flag value.
func (s *SQLite) SetSystemFlag(ctx context.Context, name, value, updaterID string) error {
	now := formatTime(time.Now())
	query, _, err := s.goqu.Insert(s.tableSystemFlags).Rows(goqu.Record{
		"name": name, "value": value, "updater_id": updaterID, "updated_at": now,
	}).OnConflict(goqu.DoUpdate("name", goqu.Record{
		"value": value, "updater_id": updaterID, "updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set flag query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) DeleteSystemFlag(ctx context.Context, name string) error {
	query, _, err := s.goqu.Delete(s.tableSystemFlags).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete flag query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) ListSystemFlags(ctx context.Context) ([]model.SystemFlag, error) {
	query, _, err := s.goqu.From(s.tableSystemFlags).
		Select("name", "value", "updater_id", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list flags query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var result []model.SystemFlag
	for rows.Next() {
		var f model.SystemFlag
		var updatedAt string
		if err := rows.Scan(&f.Name, &f.Value, &f.UpdaterID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		f.UpdatedAt, err = parseTime(updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
