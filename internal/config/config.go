// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// HTTPAddr serves the OAuth redirect endpoints, /metrics and /healthz.
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN. When empty, users, credentials,
	// provider links and federation state are kept in memory.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// SessionStore selects the session backend: memory, postgres or redis.
	SessionStore   string `mapstructure:"SESSION_STORE"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	// SessionDefaultTTL is used when a create request has no TTL (e.g. "24h"); "0" never expires.
	SessionDefaultTTL    string `mapstructure:"SESSION_DEFAULT_TTL"`
	SessionMaxConcurrent int    `mapstructure:"SESSION_MAX_CONCURRENT"`
	// SessionOnLimit is reject or evict_oldest.
	SessionOnLimit      string `mapstructure:"SESSION_ON_LIMIT"`
	SessionTrackDevices bool   `mapstructure:"SESSION_TRACK_DEVICES"`
	// SessionUpdateAge throttles last-seen writes on verify.
	SessionUpdateAge string `mapstructure:"SESSION_UPDATE_AGE"`
	// SessionPolicyFile is an optional Rego module replacing the built-in admission policy.
	SessionPolicyFile string `mapstructure:"SESSION_POLICY_FILE"`

	// OAuthStateSecret signs OAuth and federation state; at least 32 bytes.
	OAuthStateSecret string `mapstructure:"OAUTH_STATE_SECRET"`
	OAuthHTTPTimeout string `mapstructure:"OAUTH_HTTP_TIMEOUT"`
	// OAuthProvidersFile is a YAML or JSON file with a top-level "providers" list.
	OAuthProvidersFile string `mapstructure:"OAUTH_PROVIDERS_FILE"`
	// OAuthCookieSecure marks the HTTP state cookie Secure.
	OAuthCookieSecure bool `mapstructure:"OAUTH_COOKIE_SECURE"`

	FederationEnabled    bool   `mapstructure:"FEDERATION_ENABLED"`
	FederationSessionTTL string `mapstructure:"FEDERATION_SESSION_TTL"`
	// FederationTrustedDomains is a comma-separated list; empty trusts any domain.
	FederationTrustedDomains string `mapstructure:"FEDERATION_TRUSTED_DOMAINS"`

	// OIDC federation provider. Configured when OIDCFederationIssuerURL is set.
	OIDCFederationID         string `mapstructure:"OIDC_FEDERATION_ID"`
	OIDCFederationIssuerURL  string `mapstructure:"OIDC_FEDERATION_ISSUER_URL"`
	OIDCFederationClientID   string `mapstructure:"OIDC_FEDERATION_CLIENT_ID"`
	OIDCFederationAuthURL    string `mapstructure:"OIDC_FEDERATION_AUTH_URL"`
	OIDCFederationJWKSURL    string `mapstructure:"OIDC_FEDERATION_JWKS_URL"`
	OIDCFederationPublicKeys string `mapstructure:"OIDC_FEDERATION_PUBLIC_KEYS"`
	OIDCFederationScopes     string `mapstructure:"OIDC_FEDERATION_SCOPES"`

	CleanupEnabled       bool   `mapstructure:"CLEANUP_ENABLED"`
	CleanupInterval      string `mapstructure:"CLEANUP_INTERVAL"`
	CleanupBatchSize     int    `mapstructure:"CLEANUP_BATCH_SIZE"`
	CleanupRetentionDays int    `mapstructure:"CLEANUP_RETENTION_DAYS"`

	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`

	// RateLimitRPS and RateLimitBurst bound requests per client IP on the OAuth HTTP endpoints.
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// OTelEndpoint is the OTLP gRPC collector (host:port or URL); empty disables export.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses. When set,
	// audit events are also published to KafkaAuditTopic.
	KafkaBrokers    string `mapstructure:"KAFKA_BROKERS"`
	KafkaAuditTopic string `mapstructure:"KAFKA_AUDIT_TOPIC"`
}

// MinStateSecretLen is the shortest accepted OAUTH_STATE_SECRET.
const MinStateSecretLen = 32

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SESSION_STORE", StoreMemory)
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("REDIS_KEY_PREFIX", "reauth")
	v.SetDefault("SESSION_DEFAULT_TTL", "24h")
	v.SetDefault("SESSION_MAX_CONCURRENT", 0)
	v.SetDefault("SESSION_ON_LIMIT", "evict_oldest")
	v.SetDefault("SESSION_TRACK_DEVICES", true)
	v.SetDefault("SESSION_UPDATE_AGE", "1m")
	v.SetDefault("SESSION_POLICY_FILE", "")
	v.SetDefault("OAUTH_STATE_SECRET", "")
	v.SetDefault("OAUTH_HTTP_TIMEOUT", "10s")
	v.SetDefault("OAUTH_PROVIDERS_FILE", "")
	v.SetDefault("OAUTH_COOKIE_SECURE", true)
	v.SetDefault("FEDERATION_ENABLED", false)
	v.SetDefault("FEDERATION_SESSION_TTL", "8h")
	v.SetDefault("FEDERATION_TRUSTED_DOMAINS", "")
	v.SetDefault("OIDC_FEDERATION_ID", "oidc")
	v.SetDefault("OIDC_FEDERATION_ISSUER_URL", "")
	v.SetDefault("OIDC_FEDERATION_CLIENT_ID", "")
	v.SetDefault("OIDC_FEDERATION_AUTH_URL", "")
	v.SetDefault("OIDC_FEDERATION_JWKS_URL", "")
	v.SetDefault("OIDC_FEDERATION_PUBLIC_KEYS", "")
	v.SetDefault("OIDC_FEDERATION_SCOPES", "email,profile")
	v.SetDefault("CLEANUP_ENABLED", true)
	v.SetDefault("CLEANUP_INTERVAL", "10m")
	v.SetDefault("CLEANUP_BATCH_SIZE", 100)
	v.SetDefault("CLEANUP_RETENTION_DAYS", 7)
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("RATE_LIMIT_RPS", 5)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "reauth")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_AUDIT_TOPIC", "reauth-audit")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects invalid combinations. Load calls it; tests building a
// Config by hand may call it directly.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}

	c.SessionStore = strings.ToLower(strings.TrimSpace(c.SessionStore))
	switch c.SessionStore {
	case "":
		c.SessionStore = StoreMemory
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: SESSION_STORE=postgres requires DATABASE_URL")
		}
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("config: SESSION_STORE=redis requires REDIS_URL")
		}
	default:
		return fmt.Errorf("config: SESSION_STORE must be memory, postgres or redis, got %q", c.SessionStore)
	}

	if c.SessionOnLimit != "reject" && c.SessionOnLimit != "evict_oldest" {
		return fmt.Errorf("config: SESSION_ON_LIMIT must be reject or evict_oldest, got %q", c.SessionOnLimit)
	}
	if c.SessionMaxConcurrent < 0 {
		return errors.New("config: SESSION_MAX_CONCURRENT must not be negative")
	}

	for key, val := range map[string]string{
		"SESSION_DEFAULT_TTL":    c.SessionDefaultTTL,
		"SESSION_UPDATE_AGE":     c.SessionUpdateAge,
		"OAUTH_HTTP_TIMEOUT":     c.OAuthHTTPTimeout,
		"FEDERATION_SESSION_TTL": c.FederationSessionTTL,
		"CLEANUP_INTERVAL":       c.CleanupInterval,
	} {
		if val == "" {
			continue
		}
		if d, err := time.ParseDuration(val); err != nil || d < 0 {
			return fmt.Errorf("config: %s must be a non-negative duration, got %q", key, val)
		}
	}
	if c.CleanupEnabled && c.CleanupIntervalDuration() <= 0 {
		return errors.New("config: CLEANUP_INTERVAL must be positive when cleanup is enabled")
	}

	if c.OAuthStateSecret != "" && len(c.OAuthStateSecret) < MinStateSecretLen {
		return fmt.Errorf("config: OAUTH_STATE_SECRET must be at least %d bytes", MinStateSecretLen)
	}
	if c.OAuthStateSecret == "" && c.Env == "production" {
		return errors.New("config: OAUTH_STATE_SECRET must be set when APP_ENV=production")
	}

	if c.OIDCFederationIssuerURL != "" && c.OIDCFederationClientID == "" {
		return errors.New("config: OIDC_FEDERATION_CLIENT_ID is required with OIDC_FEDERATION_ISSUER_URL")
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if c.CleanupBatchSize <= 0 {
		return errors.New("config: CLEANUP_BATCH_SIZE must be positive")
	}
	if c.CleanupRetentionDays < 0 {
		return errors.New("config: CLEANUP_RETENTION_DAYS must not be negative")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return errors.New("config: RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// SessionDefaultTTLDuration parses SessionDefaultTTL. Returns 24h if unset or invalid; 0 means no expiry.
func (c *Config) SessionDefaultTTLDuration() time.Duration {
	return parseDuration(c.SessionDefaultTTL, 24*time.Hour)
}

// SessionUpdateAgeDuration parses SessionUpdateAge. Returns 1m if unset or invalid.
func (c *Config) SessionUpdateAgeDuration() time.Duration {
	return parseDuration(c.SessionUpdateAge, time.Minute)
}

// OAuthHTTPTimeoutDuration parses OAuthHTTPTimeout. Returns 10s if unset, invalid or zero.
func (c *Config) OAuthHTTPTimeoutDuration() time.Duration {
	d := parseDuration(c.OAuthHTTPTimeout, 10*time.Second)
	if d == 0 {
		return 10 * time.Second
	}
	return d
}

// FederationSessionTTLDuration parses FederationSessionTTL. Returns 8h if unset or invalid.
func (c *Config) FederationSessionTTLDuration() time.Duration {
	return parseDuration(c.FederationSessionTTL, 8*time.Hour)
}

// CleanupIntervalDuration parses CleanupInterval. Returns 10m if unset or invalid.
func (c *Config) CleanupIntervalDuration() time.Duration {
	return parseDuration(c.CleanupInterval, 10*time.Minute)
}

// splitList returns the non-empty trimmed items of a comma-separated value.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka audit producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// TrustedDomains returns FederationTrustedDomains as a list.
func (c *Config) TrustedDomains() []string {
	return splitList(c.FederationTrustedDomains)
}

// OIDCFederationScopesList returns the extra scopes requested from the OIDC federation provider.
func (c *Config) OIDCFederationScopesList() []string {
	return splitList(c.OIDCFederationScopes)
}

// UsePostgres reports whether relational repositories are backed by Postgres.
func (c *Config) UsePostgres() bool { return c.DatabaseURL != "" }
