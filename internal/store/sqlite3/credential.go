package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/coreserver/internal/cryptostore"
	"github.com/rakunlabs/coreserver/internal/model"
)

func decryptSecret(enc string, key []byte) (string, error) {
	if key == nil {
		return enc, nil
	}
	return cryptostore.Decrypt(enc, key)
}

func encryptSecretRaw(plain string, key []byte) (string, error) {
	if key == nil || plain == "" {
		return plain, nil
	}
	return cryptostore.Encrypt(plain, key)
}

type credentialRow struct {
	ID           string
	Provider     string
	Feature      string
	SecretEnc    string
	Priority     int
	Status       string
	FailureCount int
	LastUsed     *string
	CreatedAt    string
	UpdatedAt    string
}

func scanCredential(sc interface{ Scan(...any) error }) (credentialRow, error) {
	var r credentialRow
	err := sc.Scan(&r.ID, &r.Provider, &r.Feature, &r.SecretEnc, &r.Priority, &r.Status, &r.FailureCount, &r.LastUsed, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func rowToCredential(r credentialRow) (model.Credential, error) {
	lastUsed, err := parseTimePtr(r.LastUsed)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse last_used: %w", err)
	}
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return model.Credential{}, fmt.Errorf("parse updated_at: %w", err)
	}

	return model.Credential{
		ID:           r.ID,
		Provider:     r.Provider,
		Feature:      r.Feature,
		SecretEnc:    r.SecretEnc,
		Priority:     r.Priority,
		Status:       model.CredentialStatus(r.Status),
		FailureCount: r.FailureCount,
		LastUsed:     lastUsed,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}

const credentialCols = "id, provider, feature, secret_enc, priority, status, failure_count, last_used, created_at, updated_at"

// AddCredential encrypts plaintextSecret and inserts a new credential row.
// Rejects invalid status values and secrets under cryptostore.MinPlaintextLen.
func (s *SQLite) AddCredential(ctx context.Context, provider, feature, plaintextSecret string, priority int, status model.CredentialStatus) (*model.Credential, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid credential status %q", status)
	}

	enc, err := cryptostore.EncryptSecret(plaintextSecret, s.currentEncKey())
	if err != nil {
		return nil, fmt.Errorf("encrypt credential secret: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableCredentials).Rows(goqu.Record{
		"id": id, "provider": provider, "feature": feature, "secret_enc": enc,
		"priority": priority, "status": string(status), "failure_count": 0,
		"last_used": nil, "created_at": formatTime(now), "updated_at": formatTime(now),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	return &model.Credential{
		ID: id, Provider: provider, Feature: feature, SecretEnc: enc,
		Priority: priority, Status: status, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLite) ListCredentials(ctx context.Context) ([]model.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("id", "provider", "feature", "secret_enc", "priority", "status", "failure_count", "last_used", "created_at", "updated_at").
		Order(goqu.I("priority").Desc(), goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	var result []model.Credential
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		c, err := rowToCredential(r)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (s *SQLite) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("id", "provider", "feature", "secret_enc", "priority", "status", "failure_count", "last_used", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get credential query: %w", err)
	}

	r, err := scanCredential(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential %q: %w", id, err)
	}
	c, err := rowToCredential(r)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdateCredentialStatus sets status and optionally priority, resetting
// failure_count to 0 when status moves to active.
func (s *SQLite) UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus, priority *int) (*model.Credential, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid credential status %q", status)
	}

	set := goqu.Record{
		"status":     string(status),
		"updated_at": formatTime(time.Now()),
	}
	if priority != nil {
		set["priority"] = *priority
	}
	if status == model.StatusActive {
		set["failure_count"] = 0
	}

	query, _, err := s.goqu.Update(s.tableCredentials).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update credential query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update credential %q: %w", id, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, nil
	}
	return s.GetCredential(ctx, id)
}

func (s *SQLite) DeleteCredential(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableCredentials).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete credential query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete credential %q: %w", id, err)
	}
	return nil
}

// BestActiveCredential returns the highest-priority active credential for
// (provider, feature), decrypted, or nil if none is active.
func (s *SQLite) BestActiveCredential(ctx context.Context, provider, feature string) (*model.Credential, string, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("id", "provider", "feature", "secret_enc", "priority", "status", "failure_count", "last_used", "created_at", "updated_at").
		Where(
			goqu.I("provider").Eq(provider),
			goqu.I("feature").Eq(feature),
			goqu.I("status").Eq(string(model.StatusActive)),
		).
		Order(goqu.I("priority").Desc(), goqu.I("created_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, "", fmt.Errorf("build best active query: %w", err)
	}

	r, err := scanCredential(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("query best active credential: %w", err)
	}

	c, err := rowToCredential(r)
	if err != nil {
		return nil, "", err
	}
	plain, err := decryptSecret(c.SecretEnc, s.currentEncKey())
	if err != nil {
		return nil, "", fmt.Errorf("decrypt credential %q: %w", c.ID, err)
	}
	return &c, plain, nil
}

// AllActiveCredentials returns every active credential for (provider, feature)
// ordered by priority desc then created_at desc, for the Router's fallback
// loop. Returned plaintext secrets are decrypted.
func (s *SQLite) AllActiveCredentials(ctx context.Context, provider, feature string) ([]model.DecryptedCredential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("id", "provider", "feature", "secret_enc", "priority", "status", "failure_count", "last_used", "created_at", "updated_at").
		Where(
			goqu.I("provider").Eq(provider),
			goqu.I("feature").Eq(feature),
			goqu.I("status").Eq(string(model.StatusActive)),
		).
		Order(goqu.I("priority").Desc(), goqu.I("created_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build all active query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query all active credentials: %w", err)
	}
	defer rows.Close()

	key := s.currentEncKey()

	var result []model.DecryptedCredential
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		c, err := rowToCredential(r)
		if err != nil {
			continue
		}
		plain, err := decryptSecret(c.SecretEnc, key)
		if err != nil {
			// An undecryptable ciphertext is unusable: skip, don't fail the
			// whole loop (§4.1 edge case).
			continue
		}
		result = append(result, model.DecryptedCredential{Credential: c, Plaintext: plain})
	}
	return result, rows.Err()
}

// ActiveProvidersForFeature lists distinct providers that have at least one
// active credential for feature, ordered by the best priority within each
// provider descending — used by the Router to resolve the provider hint.
func (s *SQLite) ActiveProvidersForFeature(ctx context.Context, feature string) ([]string, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("provider").
		Where(
			goqu.I("feature").Eq(feature),
			goqu.I("status").Eq(string(model.StatusActive)),
		).
		GroupBy("provider").
		Order(goqu.MAX("priority").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build active providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active providers: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, fmt.Errorf("scan provider: %w", err)
		}
		result = append(result, provider)
	}
	return result, rows.Err()
}

// CredentialsForFeature returns every credential for a feature regardless of
// status, for the Maintenance Controller's evaluate_trigger.
func (s *SQLite) CredentialsForFeature(ctx context.Context, feature string) ([]model.Credential, error) {
	query, _, err := s.goqu.From(s.tableCredentials).
		Select("id", "provider", "feature", "secret_enc", "priority", "status", "failure_count", "last_used", "created_at", "updated_at").
		Where(goqu.I("feature").Eq(feature)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build credentials for feature query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query credentials for feature: %w", err)
	}
	defer rows.Close()

	var result []model.Credential
	for rows.Next() {
		r, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credential row: %w", err)
		}
		c, err := rowToCredential(r)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// RecordFailure increments failure_count and, if it reaches
// model.FailureThreshold while still active, atomically promotes the
// credential to degraded. SQLite's single writer connection already
// serializes transactions, so the read-then-write here is race-free without
// an explicit row lock the way Postgres needs FOR UPDATE.
func (s *SQLite) RecordFailure(ctx context.Context, id string) (promoted bool, newCount int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableCredentials).
		Select("failure_count", "status").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return false, 0, fmt.Errorf("build select query: %w", err)
	}

	var failureCount int
	var status string
	if err := tx.QueryRowContext(ctx, selectQuery).Scan(&failureCount, &status); err != nil {
		return false, 0, fmt.Errorf("select credential %q for failure record: %w", id, err)
	}

	failureCount++
	set := goqu.Record{
		"failure_count": failureCount,
		"updated_at":    formatTime(time.Now()),
	}
	if failureCount >= model.FailureThreshold && status == string(model.StatusActive) {
		set["status"] = string(model.StatusDegraded)
		promoted = true
	}

	updateQuery, _, err := s.goqu.Update(s.tableCredentials).Set(set).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return false, 0, fmt.Errorf("build update query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, updateQuery); err != nil {
		return false, 0, fmt.Errorf("update credential failure count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, 0, fmt.Errorf("commit transaction: %w", err)
	}
	return promoted, failureCount, nil
}

// TouchLastUsed updates last_used and resets failure_count to 0 on a
// successful call. Errors are logged by the caller and never block the
// request (§4.1).
func (s *SQLite) TouchLastUsed(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	query, _, err := s.goqu.Update(s.tableCredentials).Set(goqu.Record{
		"last_used": now, "failure_count": 0, "updated_at": now,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch last_used query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}
