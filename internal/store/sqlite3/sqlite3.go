package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rakunlabs/coreserver/internal/config"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "core_"

// SQLite is the single-node fallback store: no pgvector extension, so
// embeddings are ranked by brute-force cosine similarity in Go
// (internal/retrieval).
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers           exp.IdentifierExpression
	tableAdminAllowlist  exp.IdentifierExpression
	tableCredentials     exp.IdentifierExpression
	tableHealthChecks    exp.IdentifierExpression
	tableUsageCounters   exp.IdentifierExpression
	tableSystemFlags     exp.IdentifierExpression
	tableChatSessions    exp.IdentifierExpression
	tableMessages        exp.IdentifierExpression
	tableDocuments       exp.IdentifierExpression
	tableEmbeddings      exp.IdentifierExpression
	tableAuditRecords    exp.IdentifierExpression
	tableTeachBackSess   exp.IdentifierExpression

	// encKey is the AES-256 key used to encrypt/decrypt credential secrets.
	// nil means encryption is disabled. Protected by encKeyMu.
	encKey   []byte
	encKeyMu sync.RWMutex
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
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
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
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
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

func (s *SQLite) currentEncKey() []byte {
	s.encKeyMu.RLock()
	defer s.encKeyMu.RUnlock()
	return s.encKey
}

// SetEncryptionKey updates the in-memory encryption key without re-encrypting
// database rows. Used by peer instances when they receive a key rotation
// broadcast from the instance that performed the actual rotation.
func (s *SQLite) SetEncryptionKey(newKey []byte) {
	s.encKeyMu.Lock()
	s.encKey = newKey
	s.encKeyMu.Unlock()
}

// RotateEncryptionKey decrypts every credential secret with the current key,
// re-encrypts with newKey, and commits the new ciphertexts in one transaction.
// Passing nil as newKey disables encryption (stores plaintext).
func (s *SQLite) RotateEncryptionKey(ctx context.Context, newKey []byte) error {
	s.encKeyMu.Lock()
	defer s.encKeyMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableCredentials).Select("id", "secret_enc").ToSQL()
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
		plain, err := decryptSecret(r.enc, s.encKey)
		if err != nil {
			return fmt.Errorf("decrypt credential %q: %w", r.id, err)
		}

		reEnc, err := encryptSecretRaw(plain, newKey)
		if err != nil {
			return fmt.Errorf("re-encrypt credential %q: %w", r.id, err)
		}

		updateQuery, _, err := s.goqu.Update(s.tableCredentials).
			Set(goqu.Record{"secret_enc": reEnc}).
			Where(goqu.I("id").Eq(r.id)).
			ToSQL()
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

	s.encKey = newKey
	slog.Info("encryption key rotated", "credentials_updated", len(allRows))
	return nil
}
