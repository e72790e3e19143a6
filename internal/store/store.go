// Package store defines the persistence boundary shared by the Postgres and
// SQLite backends: every domain record the core reads or writes, expressed
// against internal/model types so callers never depend on either backend's
// concrete row shape.
package store

import (
	"context"
	"errors"

	"github.com/rakunlabs/coreserver/internal/config"
	"github.com/rakunlabs/coreserver/internal/model"
	"github.com/rakunlabs/coreserver/internal/store/postgres"
	"github.com/rakunlabs/coreserver/internal/store/sqlite3"
)

type CredentialStorer interface {
	AddCredential(ctx context.Context, provider, feature, plaintextSecret string, priority int, status model.CredentialStatus) (*model.Credential, error)
	ListCredentials(ctx context.Context) ([]model.Credential, error)
	GetCredential(ctx context.Context, id string) (*model.Credential, error)
	UpdateCredentialStatus(ctx context.Context, id string, status model.CredentialStatus, priority *int) (*model.Credential, error)
	DeleteCredential(ctx context.Context, id string) error
	BestActiveCredential(ctx context.Context, provider, feature string) (*model.Credential, string, error)
	AllActiveCredentials(ctx context.Context, provider, feature string) ([]model.DecryptedCredential, error)
	ActiveProvidersForFeature(ctx context.Context, feature string) ([]string, error)
	CredentialsForFeature(ctx context.Context, feature string) ([]model.Credential, error)
	RecordFailure(ctx context.Context, id string) (promoted bool, newCount int, err error)
	TouchLastUsed(ctx context.Context, id string) error
}

type UserStorer interface {
	CreateUser(ctx context.Context, email, displayName, passwordHash string, plan model.Plan) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	SetUserPlan(ctx context.Context, id string, plan model.Plan) error
	SetUserDisabled(ctx context.Context, id string, disabled bool) error
	SetUserRole(ctx context.Context, id string, role *model.Role) error
	SetPersonalCredential(ctx context.Context, id, plaintext string) error
	DecryptPersonalCredential(u *model.User) (string, error)
	ListUsers(ctx context.Context, limit int) ([]model.User, error)
	AdminRole(ctx context.Context, superAdminEmail string, u *model.User) (model.Role, bool, bool)
	UpsertAdminAllowlist(ctx context.Context, email string, role model.Role) error
}

type UsageStorer interface {
	GetUsageCounter(ctx context.Context, userID, date string) (model.UsageCounter, error)
	IncrementUsageCounter(ctx context.Context, userID, date string, tokens int64, featureCounterCol string) error
	ResetUsageCounter(ctx context.Context, userID, date string) error
}

type SystemFlagStorer interface {
	GetSystemFlag(ctx context.Context, name string) (string, bool, error)
	SetSystemFlag(ctx context.Context, name, value, updaterID string) error
	DeleteSystemFlag(ctx context.Context, name string) error
	ListSystemFlags(ctx context.Context) ([]model.SystemFlag, error)
}

type ChatStorer interface {
	CreateChatSession(ctx context.Context, ownerID, title string) (*model.ChatSession, error)
	GetChatSession(ctx context.Context, id string) (*model.ChatSession, error)
	ListChatSessions(ctx context.Context, ownerID string, limit int) ([]model.ChatSession, error)
	CreateMessage(ctx context.Context, sessionID string, role model.MessageRole, content string, tokensUsed *int64, citations []model.Citation) (*model.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]model.Message, error)
}

type DocumentStorer interface {
	CreateDocument(ctx context.Context, ownerID, filename string, fileType model.DocumentFileType, sizeBytes int64, blobPath string) (*model.Document, error)
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context, ownerID string) ([]model.Document, error)
	CompletedDocumentsForUser(ctx context.Context, ownerID string, documentID *string) ([]model.Document, error)
	SetDocumentStatus(ctx context.Context, id string, status model.ProcessingStatus, procErr *string) error
	DeleteDocument(ctx context.Context, id string) error
	InsertEmbeddings(ctx context.Context, documentID string, chunks []model.Embedding) error
	NonSentinelEmbeddingsForDocuments(ctx context.Context, documentIDs []string) ([]model.EmbeddingCandidate, error)
}

type AuditStorer interface {
	CreateAuditRecord(ctx context.Context, adminID, actionType, targetType, targetID, detail string) error
	ListAuditRecords(ctx context.Context, targetType string, limit int) ([]model.AuditRecord, error)
	InsertHealthCheckRecord(ctx context.Context, credentialID, status string, latencyMS *int64, errText *string) error
	ListHealthCheckRecords(ctx context.Context, credentialID string, limit int) ([]model.HealthCheckRecord, error)
}

type TeachBackStorer interface {
	CreateTeachBackSession(ctx context.Context, ownerID, topic string) (*model.TeachBackSession, error)
	GetTeachBackSession(ctx context.Context, id string) (*model.TeachBackSession, error)
	UpdateTeachBackSession(ctx context.Context, id string, phase model.TeachBackPhase, transcript string, score *float64) error
	ListTeachBackSessions(ctx context.Context, ownerID string) ([]model.TeachBackSession, error)
}

type EncryptionKeyRotator interface {
	SetEncryptionKey(newKey []byte)
	RotateEncryptionKey(ctx context.Context, newKey []byte) error
}

// StorerClose is the full persistence boundary: every entity group plus key
// rotation and lifecycle, satisfied identically by *postgres.Postgres and
// *sqlite3.SQLite.
type StorerClose interface {
	CredentialStorer
	UserStorer
	UsageStorer
	SystemFlagStorer
	ChatStorer
	DocumentStorer
	AuditStorer
	TeachBackStorer
	EncryptionKeyRotator
	Close()
}

// New creates a StorerClose based on the given store configuration. Postgres
// is preferred when both are configured; SQLite is the single-node fallback.
func New(ctx context.Context, cfg config.Store, encKey []byte) (StorerClose, error) {
	var store StorerClose
	var err error

	switch {
	case cfg.Postgres != nil:
		store, err = postgres.New(ctx, cfg.Postgres, encKey, cfg.Vector.Dimension)
	case cfg.SQLite != nil:
		store, err = sqlite3.New(ctx, cfg.SQLite, encKey)
	default:
		return nil, errors.New("no store configured")
	}
	if err != nil {
		return nil, err
	}

	return store, nil
}
