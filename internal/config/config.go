package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Providers maps a provider tag (e.g. "openai", "anthropic", "openrouter")
	// to the concrete upstream configuration the Provider Adapter dials. The
	// provider tag on a Credential is otherwise a label only; see Router.
	Providers map[string]LLMConfig `cfg:"providers"`

	// DefaultProvider is the fallback provider used when a feature has no
	// credential carrying a provider preference ("openrouter" per spec).
	DefaultProvider string `cfg:"default_provider" default:"openrouter"`

	// FeatureModels maps a feature tag to the model identifier the Provider
	// Adapter should request, loaded once at startup and never persisted.
	FeatureModels map[string]string `cfg:"feature_models"`

	// HeavyFeatures lists features rejected during soft maintenance in
	// addition to the fixed set (document_upload, image).
	HeavyFeatures []string `cfg:"heavy_features"`

	Auth          Auth          `cfg:"auth"`
	Notify        NotifyConfig  `cfg:"notify"`
	Tuning        Tuning        `cfg:"tuning"`
	Store         Store         `cfg:"store"`
	Server        Server        `cfg:"server"`
	Storage       Storage       `cfg:"storage"`
	Telemetry     tell.Config   `cfg:"telemetry,noprefix"`
}

// Storage configures where uploaded document/image blobs land. No object
// storage SDK appears anywhere in this stack's dependency set, so blobs are
// kept on local disk under BlobDir (see DESIGN.md).
type Storage struct {
	BlobDir string `cfg:"blob_dir" default:"./data/blobs"`
}

// Auth holds the break-glass and credential-encryption configuration (§6).
type Auth struct {
	// EncryptionKey is the symmetric passphrase credential secrets are
	// encrypted under (derived via cryptostore.DeriveKey).
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// SuperAdminEmail bypasses the AdminAllowlist + role check entirely and
	// is treated as super_admin. Its use must still be audited.
	SuperAdminEmail string `cfg:"super_admin_email"`

	// SessionTTL is how long a bearer token issued by /auth/login remains
	// valid. Zero falls back to authsession's default of 24h.
	SessionTTL time.Duration `cfg:"session_ttl"`
}

// NotifyConfig configures the notification fan-out sinks (§6, §4.5).
type NotifyConfig struct {
	SMTP      *SMTPConfig `cfg:"smtp"`
	Recipients []string   `cfg:"recipients"`

	WebhookURL string `cfg:"webhook_url"`

	Discord  *DiscordConfig  `cfg:"discord"`
	Telegram *TelegramConfig `cfg:"telegram"`
}

type SMTPConfig struct {
	Host     string `cfg:"host"`
	Port     int    `cfg:"port" default:"587"`
	Username string `cfg:"username"`
	Password string `cfg:"password" log:"-"`
	From     string `cfg:"from"`
	TLS      bool   `cfg:"tls" default:"true"`
}

type DiscordConfig struct {
	BotToken  string `cfg:"bot_token" log:"-"`
	ChannelID string `cfg:"channel_id"`
}

type TelegramConfig struct {
	BotToken string `cfg:"bot_token" log:"-"`
	ChatID   int64  `cfg:"chat_id"`
}

// Tuning holds the operator-adjustable defaults named in §6.
type Tuning struct {
	HealthCheckIntervalSeconds int `cfg:"health_check_interval_seconds" default:"300"`
	AdapterTimeoutSeconds      int `cfg:"adapter_timeout_seconds" default:"60"`
	RouterMaxRetries           int `cfg:"router_max_retries" default:"3"`
}

func (t Tuning) HealthCheckInterval() time.Duration {
	return time.Duration(t.HealthCheckIntervalSeconds) * time.Second
}

func (t Tuning) AdapterTimeout() time.Duration {
	return time.Duration(t.AdapterTimeoutSeconds) * time.Second
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// UserHeader is the HTTP header name carrying the authenticated user id,
	// populated by the forward-auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used to elect a single Health Monitor writer across replicas.
	Alan *alan.Config `cfg:"alan"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`

	// Vector holds embedding-storage settings. Only Dimension is read (it
	// sizes the Postgres vector column); Backend and Milvus are not
	// consulted, and embeddings are always kept in the relational store
	// (pgvector column on Postgres, JSON text on SQLite).
	Vector VectorConfig `cfg:"vector"`
}

type VectorConfig struct {
	Backend string `cfg:"backend" default:"native"`
	Milvus  *MilvusConfig `cfg:"milvus"`
	// Dimension is the fixed embedding dimensionality (§3: "e.g., 768").
	Dimension int `cfg:"dimension" default:"768"`
}

type MilvusConfig struct {
	Address    string `cfg:"address"`
	Collection string `cfg:"collection" default:"embeddings"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// LLMConfig describes a single upstream LLM provider dial target.
type LLMConfig struct {
	// Type is the adapter family: "anthropic", "openai" (also the empty
	// string), or "gemini"; registry.New rejects any other value.
	// The "openai" type also serves any OpenAI-compatible API, including the
	// default OpenRouter gateway.
	Type string `cfg:"type" json:"type"`

	// APIKey authenticates to the provider.
	APIKey string `cfg:"api_key" json:"api_key" log:"-"`

	// BaseURL overrides the adapter's default endpoint. For "openai" it is
	// the full chat-completions URL; "anthropic" and "gemini" append their
	// own API paths to it. Defaults are applied per adapter type when empty.
	BaseURL string `cfg:"base_url" json:"base_url"`

	// Model is the default model identifier.
	Model string `cfg:"model" json:"model"`

	// Models lists model identifiers this provider serves. No registry or
	// adapter code reads it; requests for other models are not rejected.
	Models []string `cfg:"models" json:"models"`

	// ExtraHeaders is accepted in configuration but not applied: no adapter
	// adds these headers to outbound requests.
	ExtraHeaders map[string]string `cfg:"extra_headers" json:"extra_headers"`

	// AuthType selects the authentication mechanism; "" is a static Bearer
	// token from APIKey. Reserved for non-static auth schemes; every
	// provider type this core binds to today uses a static key.
	AuthType string `cfg:"auth_type" json:"auth_type"`

	// Proxy is an optional proxy URL routed through before reaching the
	// provider.
	Proxy string `cfg:"proxy" json:"proxy"`

	// InsecureSkipVerify disables TLS certificate verification.
	InsecureSkipVerify bool `cfg:"insecure_skip_verify" json:"insecure_skip_verify"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("CORE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
