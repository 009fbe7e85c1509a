package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Logging   LoggingConfig
	Redis     RedisConfig
	Postgres  PostgresConfig
	Webhook   WebhookConfig
	Signing   SigningConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Audit     AuditConfig
}

type ServerConfig struct {
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type LoggingConfig struct {
	Level    string
	Encoding string
}

type RedisConfig struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PostgresConfig struct {
	Host                  string
	Port                  int
	User                  string
	Password              string
	DB                    string
	SSLMode               string
	MaxConnections        int
	MaxIdleConnections    int
	ConnectionMaxLifetime time.Duration
}

// WebhookConfig controls inbound callback verification. Header names carry a
// primary and an alias because the provider renamed its headers between API
// versions and sends either depending on account age.
type WebhookConfig struct {
	Secret               string
	TimestampSkew        time.Duration
	NonceTTL             time.Duration
	RequireNonce         bool
	AllowOldTimestamps   bool // non-production only: disables the skew check
	UseSharedNonceStore  bool // Redis-backed store instead of process-local
	TimestampHeader      string
	TimestampHeaderAlias string
	SignatureHeader      string
	SignatureHeaderAlias string
	NonceHeader          string
	NonceHeaderAlias     string
}

type SigningConfig struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

type RateLimitConfig struct {
	MaxConcurrent int
	MinInterval   time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	HTTPTimeout time.Duration
}

type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	OpenTimeout      time.Duration
}

type AuditConfig struct {
	Enabled bool
}

func LoadConfig() (*Config, error) {
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("SERVER_PORT", 8080)
	viper.SetDefault("SERVER_READ_TIMEOUT", "10s")
	viper.SetDefault("SERVER_WRITE_TIMEOUT", "10s")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_ENCODING", "json")
	viper.SetDefault("REDIS_PORT", 6379)
	viper.SetDefault("REDIS_KEY_PREFIX", "nordapi")
	viper.SetDefault("POSTGRES_PORT", 5432)
	viper.SetDefault("POSTGRES_SSL_MODE", "disable")
	viper.SetDefault("POSTGRES_MAX_CONNECTIONS", 10)
	viper.SetDefault("POSTGRES_MAX_IDLE_CONNECTIONS", 5)
	viper.SetDefault("POSTGRES_CONNECTION_MAX_LIFETIME", "1h")
	viper.SetDefault("WEBHOOK_TIMESTAMP_SKEW", "5m")
	viper.SetDefault("WEBHOOK_NONCE_TTL", "10m")
	viper.SetDefault("WEBHOOK_REQUIRE_NONCE", false)
	viper.SetDefault("WEBHOOK_ALLOW_OLD_TIMESTAMPS", false)
	viper.SetDefault("WEBHOOK_USE_SHARED_NONCE_STORE", false)
	viper.SetDefault("WEBHOOK_TIMESTAMP_HEADER", "X-Timestamp")
	viper.SetDefault("WEBHOOK_TIMESTAMP_HEADER_ALIAS", "X-Nordapi-Timestamp")
	viper.SetDefault("WEBHOOK_SIGNATURE_HEADER", "X-Signature")
	viper.SetDefault("WEBHOOK_SIGNATURE_HEADER_ALIAS", "X-Nordapi-Signature")
	viper.SetDefault("WEBHOOK_NONCE_HEADER", "X-Nonce")
	viper.SetDefault("WEBHOOK_NONCE_HEADER_ALIAS", "X-Nordapi-Nonce")
	viper.SetDefault("SIGNING_BASE_URL", "https://api.nordapi.com")
	viper.SetDefault("RATE_LIMIT_MAX_CONCURRENT", 8)
	viper.SetDefault("RATE_LIMIT_MIN_INTERVAL", "50ms")
	viper.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BACKOFF_BASE", "250ms")
	viper.SetDefault("RETRY_HTTP_TIMEOUT", "10s")
	viper.SetDefault("BREAKER_ENABLED", false)
	viper.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	viper.SetDefault("BREAKER_SUCCESS_THRESHOLD", 2)
	viper.SetDefault("BREAKER_OPEN_TIMEOUT", "60s")
	viper.SetDefault("AUDIT_ENABLED", false)

	cfg := &Config{
		Server: ServerConfig{
			Port:         viper.GetInt("SERVER_PORT"),
			Host:         viper.GetString("SERVER_HOST"),
			ReadTimeout:  viper.GetDuration("SERVER_READ_TIMEOUT"),
			WriteTimeout: viper.GetDuration("SERVER_WRITE_TIMEOUT"),
		},
		Logging: LoggingConfig{
			Level:    viper.GetString("LOG_LEVEL"),
			Encoding: viper.GetString("LOG_ENCODING"),
		},
		Redis: RedisConfig{
			Host:      viper.GetString("REDIS_HOST"),
			Port:      viper.GetInt("REDIS_PORT"),
			Password:  viper.GetString("REDIS_PASSWORD"),
			DB:        viper.GetInt("REDIS_DB"),
			KeyPrefix: viper.GetString("REDIS_KEY_PREFIX"),
		},
		Postgres: PostgresConfig{
			Host:                  viper.GetString("POSTGRES_HOST"),
			Port:                  viper.GetInt("POSTGRES_PORT"),
			User:                  viper.GetString("POSTGRES_USER"),
			Password:              viper.GetString("POSTGRES_PASSWORD"),
			DB:                    viper.GetString("POSTGRES_DB"),
			SSLMode:               viper.GetString("POSTGRES_SSL_MODE"),
			MaxConnections:        viper.GetInt("POSTGRES_MAX_CONNECTIONS"),
			MaxIdleConnections:    viper.GetInt("POSTGRES_MAX_IDLE_CONNECTIONS"),
			ConnectionMaxLifetime: viper.GetDuration("POSTGRES_CONNECTION_MAX_LIFETIME"),
		},
		Webhook: WebhookConfig{
			Secret:               viper.GetString("WEBHOOK_SECRET"),
			TimestampSkew:        viper.GetDuration("WEBHOOK_TIMESTAMP_SKEW"),
			NonceTTL:             viper.GetDuration("WEBHOOK_NONCE_TTL"),
			RequireNonce:         viper.GetBool("WEBHOOK_REQUIRE_NONCE"),
			AllowOldTimestamps:   viper.GetBool("WEBHOOK_ALLOW_OLD_TIMESTAMPS"),
			UseSharedNonceStore:  viper.GetBool("WEBHOOK_USE_SHARED_NONCE_STORE"),
			TimestampHeader:      viper.GetString("WEBHOOK_TIMESTAMP_HEADER"),
			TimestampHeaderAlias: viper.GetString("WEBHOOK_TIMESTAMP_HEADER_ALIAS"),
			SignatureHeader:      viper.GetString("WEBHOOK_SIGNATURE_HEADER"),
			SignatureHeaderAlias: viper.GetString("WEBHOOK_SIGNATURE_HEADER_ALIAS"),
			NonceHeader:          viper.GetString("WEBHOOK_NONCE_HEADER"),
			NonceHeaderAlias:     viper.GetString("WEBHOOK_NONCE_HEADER_ALIAS"),
		},
		Signing: SigningConfig{
			APIKey:    viper.GetString("SIGNING_API_KEY"),
			APISecret: viper.GetString("SIGNING_API_SECRET"),
			BaseURL:   viper.GetString("SIGNING_BASE_URL"),
		},
		RateLimit: RateLimitConfig{
			MaxConcurrent: viper.GetInt("RATE_LIMIT_MAX_CONCURRENT"),
			MinInterval:   viper.GetDuration("RATE_LIMIT_MIN_INTERVAL"),
		},
		Retry: RetryConfig{
			MaxAttempts: viper.GetInt("RETRY_MAX_ATTEMPTS"),
			BackoffBase: viper.GetDuration("RETRY_BACKOFF_BASE"),
			HTTPTimeout: viper.GetDuration("RETRY_HTTP_TIMEOUT"),
		},
		Breaker: BreakerConfig{
			Enabled:          viper.GetBool("BREAKER_ENABLED"),
			FailureThreshold: viper.GetInt("BREAKER_FAILURE_THRESHOLD"),
			SuccessThreshold: viper.GetInt("BREAKER_SUCCESS_THRESHOLD"),
			OpenTimeout:      viper.GetDuration("BREAKER_OPEN_TIMEOUT"),
		},
		Audit: AuditConfig{
			Enabled: viper.GetBool("AUDIT_ENABLED"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces the invariants the core relies on. A nonce TTL shorter
// than the skew window would let an attacker replay a request whose timestamp
// is still acceptable after the nonce has already been forgotten.
func (c *Config) Validate() error {
	if c.Webhook.Secret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required")
	}
	if c.Webhook.TimestampSkew <= 0 {
		return fmt.Errorf("WEBHOOK_TIMESTAMP_SKEW must be positive")
	}
	if c.Webhook.NonceTTL < c.Webhook.TimestampSkew {
		return fmt.Errorf("WEBHOOK_NONCE_TTL (%s) must be >= WEBHOOK_TIMESTAMP_SKEW (%s)",
			c.Webhook.NonceTTL, c.Webhook.TimestampSkew)
	}
	if c.Webhook.TimestampHeader == "" || c.Webhook.SignatureHeader == "" {
		return fmt.Errorf("webhook timestamp and signature header names are required")
	}
	if c.RateLimit.MaxConcurrent <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX_CONCURRENT must be positive")
	}
	if c.RateLimit.MinInterval < 0 {
		return fmt.Errorf("RATE_LIMIT_MIN_INTERVAL must not be negative")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1")
	}
	if c.Retry.BackoffBase <= 0 {
		return fmt.Errorf("RETRY_BACKOFF_BASE must be positive")
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold <= 0 || c.Breaker.SuccessThreshold <= 0 {
			return fmt.Errorf("breaker thresholds must be positive when the breaker is enabled")
		}
		if c.Breaker.OpenTimeout <= 0 {
			return fmt.Errorf("BREAKER_OPEN_TIMEOUT must be positive when the breaker is enabled")
		}
	}
	if c.Webhook.UseSharedNonceStore && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required when WEBHOOK_USE_SHARED_NONCE_STORE is set")
	}
	if c.Audit.Enabled && c.Postgres.Host == "" {
		return fmt.Errorf("POSTGRES_HOST is required when AUDIT_ENABLED is set")
	}
	return nil
}
