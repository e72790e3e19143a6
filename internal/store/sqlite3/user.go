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

type userRow struct {
	ID                 string
	Email              string
	DisplayName        string
	Plan               string
	Role               *string
	Disabled           bool
	PersonalCredential *string
	PasswordHash       string
	CreatedAt          string
	UpdatedAt          string
	DeletedAt          *string
}

func scanUser(sc interface{ Scan(...any) error }) (userRow, error) {
	var r userRow
	err := sc.Scan(&r.ID, &r.Email, &r.DisplayName, &r.Plan, &r.Role, &r.Disabled, &r.PersonalCredential, &r.PasswordHash, &r.CreatedAt, &r.UpdatedAt, &r.DeletedAt)
	return r, err
}

func rowToUser(r userRow) (model.User, error) {
	var role *model.Role
	if r.Role != nil {
		v := model.Role(*r.Role)
		role = &v
	}

	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("parse created_at: %w", err)
	}
	updatedAt, err := parseTime(r.UpdatedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("parse updated_at: %w", err)
	}
	deletedAt, err := parseTimePtr(r.DeletedAt)
	if err != nil {
		return model.User{}, fmt.Errorf("parse deleted_at: %w", err)
	}

	return model.User{
		ID: r.ID, Email: r.Email, DisplayName: r.DisplayName,
		Plan: model.Plan(r.Plan), Role: role, Disabled: r.Disabled,
		PersonalCredential: r.PersonalCredential, PasswordHash: r.PasswordHash,
		CreatedAt: createdAt, UpdatedAt: updatedAt, DeletedAt: deletedAt,
	}, nil
}

func (s *SQLite) CreateUser(ctx context.Context, email, displayName, passwordHash string, plan model.Plan) (*model.User, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableUsers).Rows(goqu.Record{
		"id": id, "email": email, "display_name": displayName,
		"plan": string(plan), "role": nil, "disabled": false,
		"personal_credential_enc": nil, "password_hash": passwordHash,
		"created_at": formatTime(now), "updated_at": formatTime(now), "deleted_at": nil,
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build create user query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create user %q: %w", email, err)
	}

	return &model.User{
		ID: id, Email: email, DisplayName: displayName, Plan: plan,
		PasswordHash: passwordHash, CreatedAt: now, UpdatedAt: now,
	}, nil
}

func (s *SQLite) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).
		Select("id", "email", "display_name", "plan", "role", "disabled", "personal_credential_enc", "password_hash", "created_at", "updated_at", "deleted_at").
		Where(goqu.I("id").Eq(id), goqu.I("deleted_at").IsNull()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	r, err := scanUser(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}
	u, err := rowToUser(r)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).
		Select("id", "email", "display_name", "plan", "role", "disabled", "personal_credential_enc", "password_hash", "created_at", "updated_at", "deleted_at").
		Where(goqu.I("email").Eq(email), goqu.I("deleted_at").IsNull()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user by email query: %w", err)
	}

	r, err := scanUser(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email %q: %w", email, err)
	}
	u, err := rowToUser(r)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLite) SetUserPlan(ctx context.Context, id string, plan model.Plan) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(goqu.Record{
		"plan": string(plan), "updated_at": formatTime(time.Now()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set plan query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

func (s *SQLite) SetUserDisabled(ctx context.Context, id string, disabled bool) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(goqu.Record{
		"disabled": disabled, "updated_at": formatTime(time.Now()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set disabled query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

// SetUserRole assigns (or clears, with role=nil) the admin role on a user row.
func (s *SQLite) SetUserRole(ctx context.Context, id string, role *model.Role) error {
	var roleVal any
	if role != nil {
		roleVal = string(*role)
	}
	query, _, err := s.goqu.Update(s.tableUsers).Set(goqu.Record{
		"role": roleVal, "updated_at": formatTime(time.Now()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set role query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

// SetPersonalCredential encrypts and stores the user's personal override key.
// An empty plaintext clears the stored credential.
func (s *SQLite) SetPersonalCredential(ctx context.Context, id, plaintext string) error {
	var encVal any
	if plaintext != "" {
		enc, err := cryptostore.Encrypt(plaintext, s.currentEncKey())
		if err != nil {
			return fmt.Errorf("encrypt personal credential: %w", err)
		}
		encVal = enc
	}

	query, _, err := s.goqu.Update(s.tableUsers).Set(goqu.Record{
		"personal_credential_enc": encVal, "updated_at": formatTime(time.Now()),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build set personal credential query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}

// DecryptPersonalCredential returns the plaintext personal override key for
// a user, or "" if none is set.
func (s *SQLite) DecryptPersonalCredential(u *model.User) (string, error) {
	if u.PersonalCredential == nil || *u.PersonalCredential == "" {
		return "", nil
	}
	return decryptSecret(*u.PersonalCredential, s.currentEncKey())
}

func (s *SQLite) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).
		Select("id", "email", "display_name", "plan", "role", "disabled", "personal_credential_enc", "password_hash", "created_at", "updated_at", "deleted_at").
		Where(goqu.I("deleted_at").IsNull()).
		Order(goqu.I("created_at").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []model.User
	for rows.Next() {
		r, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		u, err := rowToUser(r)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// AdminRole resolves whether email holds admin authority per §3: either the
// configured emergency email (super_admin, break-glass), or a matching
// AdminAllowlist entry AND a non-null role on the user row.
func (s *SQLite) AdminRole(ctx context.Context, superAdminEmail string, u *model.User) (model.Role, bool, bool) {
	if superAdminEmail != "" && u != nil && u.Email == superAdminEmail {
		return model.RoleSuperAdmin, true, true
	}
	if u == nil || u.Role == nil {
		return "", false, false
	}

	query, _, err := s.goqu.From(s.tableAdminAllowlist).
		Select("role").
		Where(goqu.I("email").Eq(u.Email)).
		ToSQL()
	if err != nil {
		return "", false, false
	}

	var role string
	if err := s.db.QueryRowContext(ctx, query).Scan(&role); err != nil {
		return "", false, false
	}

	return *u.Role, true, false
}

func (s *SQLite) UpsertAdminAllowlist(ctx context.Context, email string, role model.Role) error {
	query, _, err := s.goqu.Insert(s.tableAdminAllowlist).Rows(goqu.Record{
		"email": email, "role": string(role),
	}).OnConflict(goqu.DoUpdate("email", goqu.Record{"role": string(role)})).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert allowlist query: %w", err)
	}
	_, err = s.db.ExecContext(ctx, query)
	return err
}
