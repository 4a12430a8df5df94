// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Capability    CapabilityConfig    `yaml:"capability"`
	Store         StoreConfig         `yaml:"store"`
	Drafts        DraftsConfig        `yaml:"drafts"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Documents     DocumentsConfig     `yaml:"documents"`
	Audit         AuditConfig         `yaml:"audit"`
	Allocator     AllocatorConfig     `yaml:"allocator"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	CORS            CORSConfig    `yaml:"cors"`
}

// CORSConfig describes Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// IdentityConfig describes JWT and identity provider settings.
type IdentityConfig struct {
	Issuer       string            `yaml:"issuer"`
	Audience     string            `yaml:"audience"`
	JWKSURL      string            `yaml:"jwks_url"`
	JWKSCacheTTL time.Duration     `yaml:"jwks_cache_ttl"`
	Algorithms   []string          `yaml:"algorithms"`
	ClaimPaths   map[string]string `yaml:"claim_paths"`
}

// CapabilityConfig describes how actor roles map to permissions.
type CapabilityConfig struct {
	StaticPolicyFile string      `yaml:"static_policy_file"`
	Cache            CacheConfig `yaml:"cache"`
}

// CacheConfig describes cache settings.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// StoreConfig describes the relational store.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	MigrateOnStart  bool          `yaml:"migrate_on_start"`
}

// DraftsConfig describes draft persistence.
type DraftsConfig struct {
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
	// Grace keeps expired drafts readable long enough to answer 410
	// instead of 404.
	Grace time.Duration `yaml:"grace"`
}

// IdempotencyConfig describes idempotency store settings.
type IdempotencyConfig struct {
	Enabled bool                   `yaml:"enabled"`
	Store   IdempotencyStoreConfig `yaml:"store"`
}

// IdempotencyStoreConfig describes idempotency persistence settings.
type IdempotencyStoreConfig struct {
	Driver     string        `yaml:"driver"`
	AddrEnv    string        `yaml:"addr_env"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// NotificationsConfig describes the outbound notification channel.
type NotificationsConfig struct {
	Driver         string               `yaml:"driver"`
	Brokers        []string             `yaml:"brokers"`
	Topic          string               `yaml:"topic"`
	WriteTimeout   time.Duration        `yaml:"write_timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig describes circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DocumentsConfig describes document storage.
type DocumentsConfig struct {
	RootDir      string `yaml:"root_dir"`
	MaxSizeBytes int64  `yaml:"max_size_bytes"`
}

// AuditConfig describes audit chain settings.
type AuditConfig struct {
	ArchiveDir       string   `yaml:"archive_dir"`
	SensitiveActions []string `yaml:"sensitive_actions"`
}

// AllocatorConfig describes supplier code allocation retries.
type AllocatorConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
			CORS: CORSConfig{
				AllowedMethods: []string{"GET", "POST", "OPTIONS"},
				AllowedHeaders: []string{"Authorization", "Content-Type",
					"X-Correlation-Id", "X-Idempotency-Key"},
				MaxAge: 86400,
			},
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id":             "sub",
				"name":                   "name",
				"email":                  "email",
				"role":                   "role",
				"account_type":           "account_type",
				"supplier_id":            "supplier_id",
				"related_application_id": "related_application_id",
			},
		},
		Capability: CapabilityConfig{
			Cache: CacheConfig{
				TTL:        5 * time.Minute,
				MaxEntries: 10000,
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			DSNEnv:          "ONBOARDING_DATABASE_URL",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Drafts: DraftsConfig{
			Driver:  "memory",
			AddrEnv: "ONBOARDING_REDIS_ADDR",
			TTL:     30 * 24 * time.Hour,
			Grace:   7 * 24 * time.Hour,
		},
		Idempotency: IdempotencyConfig{
			Enabled: true,
			Store: IdempotencyStoreConfig{
				Driver:     "memory",
				AddrEnv:    "ONBOARDING_REDIS_ADDR",
				DefaultTTL: 24 * time.Hour,
			},
		},
		Notifications: NotificationsConfig{
			Driver:       "log",
			Topic:        "supplier-onboarding.notifications",
			WriteTimeout: 5 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 2,
				Timeout:          30 * time.Second,
			},
		},
		Documents: DocumentsConfig{
			RootDir:      "/var/lib/onboarding/documents",
			MaxSizeBytes: 10 << 20,
		},
		Audit: AuditConfig{
			ArchiveDir: "/var/lib/onboarding/audit-archive",
			SensitiveActions: []string{
				"bind_supplier_code",
				"reject",
				"archive_audit_log",
			},
		},
		Allocator: AllocatorConfig{
			MaxAttempts:    5,
			InitialBackoff: 20 * time.Millisecond,
			MaxBackoff:     500 * time.Millisecond,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields. A .env file in the working directory is
// loaded first when present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.jwks_url is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if !oneOf(c.Store.Driver, "memory", "postgres") {
		errs = append(errs, "store.driver must be memory or postgres")
	}
	if !oneOf(c.Drafts.Driver, "memory", "redis") {
		errs = append(errs, "drafts.driver must be memory or redis")
	}
	if c.Drafts.TTL <= 0 {
		errs = append(errs, "drafts.ttl must be positive")
	}
	if c.Idempotency.Enabled && !oneOf(c.Idempotency.Store.Driver, "memory", "redis") {
		errs = append(errs, "idempotency.store.driver must be memory or redis")
	}
	if !oneOf(c.Notifications.Driver, "log", "kafka") {
		errs = append(errs, "notifications.driver must be log or kafka")
	}
	if c.Notifications.Driver == "kafka" && len(c.Notifications.Brokers) == 0 {
		errs = append(errs, "notifications.brokers is required for the kafka driver")
	}
	if c.Documents.RootDir == "" {
		errs = append(errs, "documents.root_dir is required")
	}
	if c.Documents.MaxSizeBytes <= 0 {
		errs = append(errs, "documents.max_size_bytes must be positive")
	}
	if c.Audit.ArchiveDir == "" {
		errs = append(errs, "audit.archive_dir is required")
	}
	if c.Allocator.MaxAttempts < 1 {
		errs = append(errs, "allocator.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// applyEnvOverrides reads ONBOARDING_* environment variables and overrides
// config values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ONBOARDING_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ONBOARDING_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("ONBOARDING_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("ONBOARDING_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("ONBOARDING_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("ONBOARDING_DRAFTS_DRIVER"); v != "" {
		cfg.Drafts.Driver = v
	}
	if v := os.Getenv("ONBOARDING_NOTIFICATIONS_DRIVER"); v != "" {
		cfg.Notifications.Driver = v
	}
	if v := os.Getenv("ONBOARDING_NOTIFICATIONS_BROKERS"); v != "" {
		cfg.Notifications.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("ONBOARDING_DOCUMENTS_ROOT_DIR"); v != "" {
		cfg.Documents.RootDir = v
	}
	if v := os.Getenv("ONBOARDING_AUDIT_ARCHIVE_DIR"); v != "" {
		cfg.Audit.ArchiveDir = v
	}
	if v := os.Getenv("ONBOARDING_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
