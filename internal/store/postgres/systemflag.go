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

// GetSystemFlag returns the named flag's value, or ("", false, nil) if unset.
func (p *Postgres) GetSystemFlag(ctx context.Context, name string) (string, bool, error) {
	query, _, err := p.goqu.From(p.tableSystemFlags).
		Select("value").
		Where(goqu.I("name").Eq(name)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get flag query: %w", err)
	}

	var value string
	err = p.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get flag %q: %w", name, err)
	}
	return value, true, nil
}

// SetSystemFlag upserts a flag value.
func (p *Postgres) SetSystemFlag(ctx context.Context, name, value, updaterID string) error {
	now := time.Now().UTC()
	query, _, err := p.goqu.Insert(p.tableSystemFlags).Rows(goqu.Record{
		"name": name, "value": value, "updater_id": updaterID, "updated_at": now,
	}).OnConflict(goqu.DoUpdate("name", goqu.Record{
		"value": value, "updater_id": updaterID, "updated_at": now,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("build set flag query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) DeleteSystemFlag(ctx context.Context, name string) error {
	query, _, err := p.goqu.Delete(p.tableSystemFlags).Where(goqu.I("name").Eq(name)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete flag query: %w", err)
	}
	_, err = p.db.ExecContext(ctx, query)
	return err
}

func (p *Postgres) ListSystemFlags(ctx context.Context) ([]model.SystemFlag, error) {
	query, _, err := p.goqu.From(p.tableSystemFlags).
		Select("name", "value", "updater_id", "updated_at").
		Order(goqu.I("name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list flags query: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	var result []model.SystemFlag
	for rows.Next() {
		var f model.SystemFlag
		if err := rows.Scan(&f.Name, &f.Value, &f.UpdaterID, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
