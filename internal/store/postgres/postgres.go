// Package postgres implements the relational store for the core against
// PostgreSQL, using goqu as query builder over database/sql + pgx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rakunlabs/coreserver/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10

	DefaultTablePrefix = "core_"
)

// Postgres is the relational store handle. It keeps no in-process cache of
// decrypted secrets between calls; every credential selection re-reads from
// the database (§5).
type Postgres struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers            exp.IdentifierExpression
	tableAdminAllowlist   exp.IdentifierExpression
	tableCredentials      exp.IdentifierExpression
	tableHealthChecks     exp.IdentifierExpression
	tableUsageCounters    exp.IdentifierExpression
	tableSystemFlags      exp.IdentifierExpression
	tableChatSessions     exp.IdentifierExpression
	tableMessages         exp.IdentifierExpression
	tableDocuments        exp.IdentifierExpression
	tableEmbeddings       exp.IdentifierExpression
	tableAuditRecords     exp.IdentifierExpression
	tableTeachBackSess    exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt credential secrets.
	// nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex

	vectorDim int
}

func New(ctx context.Context, cfg *config.StorePostgres, encKey []byte, vectorDim int) (*Postgres, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if migrate.Schema == "" {
		migrate.Schema = cfg.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix
	migrate.Values["VECTOR_DIM"] = fmt.Sprintf("%d", vectorDim)

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if cfg.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			db.Close()

			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	if cfg.ConnMaxLifetime != nil {
		ConnMaxLifetime = *cfg.ConnMaxLifetime
	}
	if cfg.MaxIdleConns != nil {
		MaxIdleConns = *cfg.MaxIdleConns
	}
	if cfg.MaxOpenConns != nil {
		MaxOpenConns = *cfg.MaxOpenConns
	}

	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
		db:                  db,
		goqu:                dbGoqu,
		tableUsers:          goqu.T(tablePrefix + "users"),
		tableAdminAllowlist: goqu.T(tablePrefix + "admin_allowlist"),
		tableCredentials:    goqu.T(tablePrefix + "credentials"),
		tableHealthChecks:   goqu.T(tablePrefix + "health_check_records"),
		tableUsageCounters:  goqu.T(tablePrefix + "usage_counters"),
		tableSystemFlags:    goqu.T(tablePrefix + "system_flags"),
		tableChatSessions:   goqu.T(tablePrefix + "chat_sessions"),
		tableMessages:       goqu.T(tablePrefix + "messages"),
		tableDocuments:      goqu.T(tablePrefix + "documents"),
		tableEmbeddings:     goqu.T(tablePrefix + "embeddings"),
		tableAuditRecords:   goqu.T(tablePrefix + "audit_records"),
		tableTeachBackSess:  goqu.T(tablePrefix + "teach_back_sessions"),
		encKey:              encKey,
		vectorDim:           vectorDim,
	}, nil
}

func (p *Postgres) Close() {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			slog.Error("close store postgres connection", "error", err)
		}
	}
}

func (p *Postgres) currentEncKey() []byte {
	p.encKeyMu.RLock()
	defer p.encKeyMu.RUnlock()
	return p.encKey
}

// SetEncryptionKey updates the in-memory encryption key without re-encrypting
// rows already on disk, used by cluster peers receiving a rotation broadcast.
func (p *Postgres) SetEncryptionKey(newKey []byte) {
	p.encKeyMu.Lock()
	p.encKey = newKey
	p.encKeyMu.Unlock()
}

// RotateEncryptionKey decrypts every credential secret with the current key,
// re-encrypts with newKey, and updates rows atomically under FOR UPDATE so
// concurrent credential writes can't interleave with old-key ciphertext.
func (p *Postgres) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	p.encKeyMu.Lock()
	defer p.encKeyMu.Unlock()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := p.goqu.From(p.tableCredentials).
		Select("id", "secret_enc").
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return fmt.Errorf("list credentials for rotation: %w", err)
	}

	type rowData struct {
		id  string
		enc string
	}

	var allRows []rowData
	for rows.Next() {
		var r rowData
		if err := rows.Scan(&r.id, &r.enc); err != nil {
			rows.Close()
			return fmt.Errorf("scan credential row: %w", err)
		}
		allRows = append(allRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate credential rows: %w", err)
	}

	for _, r := range allRows {
		plain, err := decryptSecret(r.enc, p.encKey)
		if err != nil {
			return fmt.Errorf("decrypt credential %q: %w", r.id, err)
		}

		reenc, err := encryptSecretRaw(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt credential %q: %w", r.id, err)
		}

		updateQuery, _, err := p.goqu.Update(p.tableCredentials).Set(
			goqu.Record{"secret_enc": reenc},
		).Where(goqu.I("id").Eq(r.id)).ToSQL()
		if err != nil {
			return fmt.Errorf("build update query for %q: %w", r.id, err)
		}

		if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
			return fmt.Errorf("update credential %q: %w", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	p.encKey = newKey

	slog.Info("encryption key rotated", "credentials_updated", len(allRows))

	return nil
}
