// Package model holds the tagged domain records shared across the core:
// users, credentials, usage counters, maintenance state, documents and
// embeddings. Enum-like fields are validated at the boundary (store writes,
// HTTP decode) rather than at every read site.
package model

import "time"

// Plan is a subscription tier. It is independent of Role.
type Plan string

const (
	PlanFree    Plan = "free"
	PlanStudent Plan = "student"
	PlanPro     Plan = "pro"
	PlanAdmin   Plan = "admin"
)

func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanStudent, PlanPro, PlanAdmin:
		return true
	}
	return false
}

// Role gates administrative operations. It is optional: most users have no role.
type Role string

const (
	RoleSuperAdmin Role = "super_admin"
	RoleAdmin      Role = "admin"
	RoleOps        Role = "ops"
	RoleSupport    Role = "support"
	RoleViewer     Role = "viewer"
)

// IsAdminLike reports whether role bypasses quota checks and may perform
// administrative mutations (subject to the allowlist rule in AdminAllowlist).
func (r Role) IsAdminLike() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleOps:
		return true
	}
	return false
}

type User struct {
	ID                 string     `db:"id"`
	Email              string     `db:"email"`
	DisplayName        string     `db:"display_name"`
	Plan               Plan       `db:"plan"`
	Role               *Role      `db:"role"`
	Disabled           bool       `db:"disabled"`
	PersonalCredential *string    `db:"personal_credential_enc"`
	PasswordHash       string     `db:"password_hash"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
	DeletedAt          *time.Time `db:"deleted_at"`
}

type AdminAllowlistEntry struct {
	Email string `db:"email"`
	Role  Role   `db:"role"`
}

// CredentialStatus is the credential lifecycle state. Only active<->degraded
// transitions happen automatically; every other transition is operator-driven.
type CredentialStatus string

const (
	StatusActive   CredentialStatus = "active"
	StatusDegraded CredentialStatus = "degraded"
	StatusDisabled CredentialStatus = "disabled"
)

func (s CredentialStatus) Valid() bool {
	switch s {
	case StatusActive, StatusDegraded, StatusDisabled:
		return true
	}
	return false
}

const FailureThreshold = 3

type Credential struct {
	ID            string           `db:"id"`
	Provider      string           `db:"provider"`
	Feature       string           `db:"feature"`
	SecretEnc     string           `db:"secret_enc"`
	Priority      int              `db:"priority"`
	Status        CredentialStatus `db:"status"`
	FailureCount  int              `db:"failure_count"`
	LastUsed      *time.Time       `db:"last_used"`
	CreatedAt     time.Time        `db:"created_at"`
	UpdatedAt     time.Time        `db:"updated_at"`
}

type HealthCheckRecord struct {
	ID           string    `db:"id"`
	CredentialID string    `db:"credential_id"`
	Timestamp    time.Time `db:"timestamp"`
	Status       string    `db:"status"`
	LatencyMS    *int64    `db:"latency_ms"`
	ErrorText    *string   `db:"error_text"`
}

// UsageCounter tracks one user's consumption for one calendar date.
type UsageCounter struct {
	UserID            string    `db:"user_id"`
	Date              string    `db:"date"` // YYYY-MM-DD, server timezone
	TokensUsed        int64     `db:"tokens_used"`
	RequestsCount     int64     `db:"requests_count"`
	PDFUploads        int64     `db:"pdf_uploads"`
	MCQsGenerated     int64     `db:"mcqs_generated"`
	ImagesUsed        int64     `db:"images_used"`
	FlashcardsGen     int64     `db:"flashcards_generated"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// PlanLimit is static per-plan configuration, not a persisted row.
type PlanLimit struct {
	DailyTokens   int64
	DailyRequests int64
	FeatureCaps   map[string]int64 // feature -> daily cap, absent = uncapped
}

// FeatureCounterMap is the normative feature -> counter-field mapping (§4.4).
var FeatureCounterMap = map[string]string{
	"document_upload": "pdf_uploads",
	"mcq":              "mcqs_generated",
	"image":            "images_used",
	"flashcard":        "flashcards_generated",
}

// DefaultPlanLimits mirrors spec.md Scenario C's free-plan token cap of 10000.
var DefaultPlanLimits = map[Plan]PlanLimit{
	PlanFree: {
		DailyTokens:   10000,
		DailyRequests: 200,
		FeatureCaps: map[string]int64{
			"mcq":       20,
			"flashcard": 20,
			"image":     10,
		},
	},
	PlanStudent: {
		DailyTokens:   100000,
		DailyRequests: 2000,
		FeatureCaps: map[string]int64{
			"mcq":       200,
			"flashcard": 200,
			"image":     100,
		},
	},
	PlanPro: {
		DailyTokens:   1000000,
		DailyRequests: 20000,
		FeatureCaps:   map[string]int64{},
	},
	PlanAdmin: {
		DailyTokens:   1 << 62,
		DailyRequests: 1 << 62,
		FeatureCaps:   map[string]int64{},
	},
}

// MaintenanceLevel gates requests system- or feature-wide.
type MaintenanceLevel string

const (
	MaintenanceSoft MaintenanceLevel = "soft"
	MaintenanceHard MaintenanceLevel = "hard"
)

func (l MaintenanceLevel) Valid() bool {
	switch l {
	case MaintenanceSoft, MaintenanceHard:
		return true
	}
	return false
}

// MaintenanceState is the serialized value of the SystemFlag "maintenance_mode".
type MaintenanceState struct {
	Level       MaintenanceLevel `json:"level"`
	Reason      string           `json:"reason"`
	Feature     string           `json:"feature,omitempty"`
	TriggeredBy string           `json:"triggered_by,omitempty"`
	TriggeredAt time.Time        `json:"triggered_at"`
	IsActive    bool             `json:"is_active"`
}

type SystemFlag struct {
	Name      string    `db:"name"`
	Value     string    `db:"value"`
	UpdaterID string    `db:"updater_id"`
	UpdatedAt time.Time `db:"updated_at"`
}

type ChatSession struct {
	ID        string    `db:"id"`
	OwnerID   string    `db:"owner_id"`
	Title     string    `db:"title"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

type Citation struct {
	DocumentID       string  `json:"document_id"`
	DocumentFilename string  `json:"document_filename"`
	ChunkIndex       int     `json:"chunk_index"`
	SimilarityScore  float64 `json:"similarity_score"`
}

type Message struct {
	ID         string      `db:"id"`
	SessionID  string      `db:"session_id"`
	Role       MessageRole `db:"role"`
	Content    string      `db:"content"`
	TokensUsed *int64      `db:"tokens_used"`
	Citations  []Citation  `db:"citations"`
	CreatedAt  time.Time   `db:"created_at"`
}

type DocumentFileType string

const (
	DocumentPDF   DocumentFileType = "pdf"
	DocumentImage DocumentFileType = "image"
)

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

type Document struct {
	ID               string           `db:"id"`
	OwnerID          string           `db:"owner_id"`
	Filename         string           `db:"filename"`
	FileType         DocumentFileType `db:"file_type"`
	SizeBytes        int64            `db:"size_bytes"`
	BlobPath         string           `db:"blob_path"`
	ProcessingStatus ProcessingStatus `db:"processing_status"`
	ProcessingError  *string          `db:"processing_error"`
	CreatedAt        time.Time        `db:"created_at"`
}

// SentinelChunkIndex marks a whole-document summary or image interpretation
// chunk; it is excluded from normal semantic retrieval.
const SentinelChunkIndex = -1

type Embedding struct {
	ID         string    `db:"id"`
	DocumentID string    `db:"document_id"`
	ChunkText  string    `db:"chunk_text"`
	ChunkIndex int       `db:"chunk_index"`
	Vector     []float32 `db:"vector"`
	CreatedAt  time.Time `db:"created_at"`
}

type AuditRecord struct {
	ID         string    `db:"id"`
	AdminID    string    `db:"admin_id"`
	ActionType string    `db:"action_type"`
	TargetType string    `db:"target_type"`
	TargetID   string    `db:"target_id"`
	Detail     string    `db:"detail"` // JSON blob, before/after values
	CreatedAt  time.Time `db:"created_at"`
}

// TeachBackPhase models the OSCE practice state machine (supplemental to the
// core spec, carried over from the source system's teach-back feature).
type TeachBackPhase string

const (
	TeachBackTeaching    TeachBackPhase = "TEACHING"
	TeachBackInterrupted TeachBackPhase = "INTERRUPTED"
	TeachBackExamining   TeachBackPhase = "EXAMINING"
	TeachBackCompleted   TeachBackPhase = "COMPLETED"
)

// DecryptedCredential pairs a Credential row with its decrypted secret, for
// the Router's fallback loop and the Health Monitor's probe loop.
type DecryptedCredential struct {
	Credential
	Plaintext string
}

// EmbeddingCandidate is a non-sentinel embedding joined with its owning
// document's filename, for the Retrieval component's cosine ranking.
type EmbeddingCandidate struct {
	Embedding
	DocumentFilename string
}

type TeachBackSession struct {
	ID        string         `db:"id"`
	OwnerID   string         `db:"owner_id"`
	Topic     string         `db:"topic"`
	Phase     TeachBackPhase `db:"phase"`
	Transcript string        `db:"transcript"` // JSON array of turns
	Score     *float64       `db:"score"`
	CreatedAt time.Time      `db:"created_at"`
	UpdatedAt time.Time      `db:"updated_at"`
}
