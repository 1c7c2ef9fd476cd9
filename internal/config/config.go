package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// ABDM gateway
	ABDMBaseURL      string `mapstructure:"ABDM_BASE_URL"`
	ABDMAuthURL      string `mapstructure:"ABDM_AUTH_URL"`
	ABDMClientID     string `mapstructure:"ABDM_CLIENT_ID"`
	ABDMClientSecret string `mapstructure:"ABDM_CLIENT_SECRET"`

	ConsentCallbackURL      string `mapstructure:"CONSENT_CALLBACK_URL"`
	HealthRecordCallbackURL string `mapstructure:"HEALTH_RECORD_CALLBACK_URL"`

	RequestTimeoutMS int `mapstructure:"REQUEST_TIMEOUT_MS"`
	MaxRetryAttempts int `mapstructure:"MAX_RETRY_ATTEMPTS"`
	CacheTTLSeconds  int `mapstructure:"CACHE_TTL_SECONDS"`

	TokenEncryptionKey string `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	DataEncryptionKey  string `mapstructure:"DATA_ENCRYPTION_KEY"`

	// External bearer verifier
	AuthServiceURL string `mapstructure:"AUTH_SERVICE_URL"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	// Webhook verification
	WebhookSharedSecret string   `mapstructure:"WEBHOOK_SHARED_SECRET"`
	WebhookAllowedCIDRs []string `mapstructure:"WEBHOOK_ALLOWED_CIDRS"`

	// Database
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// HI ingestion
	WorkerPoolSize         int `mapstructure:"WORKER_POOL_SIZE"`
	WorkQueueSize          int `mapstructure:"WORK_QUEUE_SIZE"`
	FetchWatchdogTimeoutMS int `mapstructure:"FETCH_WATCHDOG_TIMEOUT_MS"`

	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var knownKeys = []string{
	"PORT", "ENV",
	"ABDM_BASE_URL", "ABDM_AUTH_URL", "ABDM_CLIENT_ID", "ABDM_CLIENT_SECRET",
	"CONSENT_CALLBACK_URL", "HEALTH_RECORD_CALLBACK_URL",
	"REQUEST_TIMEOUT_MS", "MAX_RETRY_ATTEMPTS", "CACHE_TTL_SECONDS",
	"TOKEN_ENCRYPTION_KEY", "DATA_ENCRYPTION_KEY",
	"AUTH_SERVICE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
	"WEBHOOK_SHARED_SECRET", "WEBHOOK_ALLOWED_CIDRS",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"WORKER_POOL_SIZE", "WORK_QUEUE_SIZE", "FETCH_WATCHDOG_TIMEOUT_MS",
	"LOG_LEVEL", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8040")
	v.SetDefault("ENV", "development")
	v.SetDefault("REQUEST_TIMEOUT_MS", 30000)
	v.SetDefault("MAX_RETRY_ATTEMPTS", 3)
	v.SetDefault("CACHE_TTL_SECONDS", 3600)
	v.SetDefault("DB_MAX_CONNS", 5)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("WORKER_POOL_SIZE", 8)
	v.SetDefault("WORK_QUEUE_SIZE", 1024)
	v.SetDefault("FETCH_WATCHDOG_TIMEOUT_MS", 600000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range knownKeys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	// Unknown keys in the .env file are rejected rather than silently dropped.
	for _, key := range v.AllKeys() {
		upper := strings.ToUpper(key)
		known := false
		for _, k := range knownKeys {
			if upper == k {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown configuration key %q", upper)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookAllowedCIDRs == nil {
		if cidrs := v.GetString("WEBHOOK_ALLOWED_CIDRS"); cidrs != "" {
			cfg.WebhookAllowedCIDRs = strings.Split(cidrs, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// the gateway credentials, webhook secret, and an external bearer verifier
// are all required; encryption keys must decode to 32 bytes.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.ABDMBaseURL == "" || c.ABDMAuthURL == "" {
			return fmt.Errorf("ABDM_BASE_URL and ABDM_AUTH_URL are required outside development")
		}
		if c.ABDMClientID == "" || c.ABDMClientSecret == "" {
			return fmt.Errorf("ABDM_CLIENT_ID and ABDM_CLIENT_SECRET are required outside development")
		}
		if c.WebhookSharedSecret == "" {
			return fmt.Errorf("WEBHOOK_SHARED_SECRET is required outside development")
		}
		if c.AuthServiceURL == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
			return fmt.Errorf("one of AUTH_SERVICE_URL, AUTH_JWKS_URL or AUTH_ISSUER is required outside development")
		}
	}

	for _, u := range []string{c.ABDMBaseURL, c.ABDMAuthURL, c.AuthServiceURL} {
		if u == "" {
			continue
		}
		if _, err := url.ParseRequestURI(u); err != nil {
			return fmt.Errorf("invalid URL %q: %w", u, err)
		}
	}

	for name, key := range map[string]string{
		"TOKEN_ENCRYPTION_KEY": c.TokenEncryptionKey,
		"DATA_ENCRYPTION_KEY":  c.DataEncryptionKey,
	} {
		if key == "" {
			if c.IsProduction() {
				return fmt.Errorf("%s is required in production", name)
			}
			continue
		}
		decoded, err := hex.DecodeString(key)
		if err != nil {
			return fmt.Errorf("%s is not valid hex: %w", name, err)
		}
		if len(decoded) != 32 {
			return fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(decoded))
		}
	}

	if c.RequestTimeoutMS <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_MS must be positive")
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("MAX_RETRY_ATTEMPTS must be non-negative")
	}
	if c.WorkerPoolSize <= 0 || c.WorkQueueSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE and WORK_QUEUE_SIZE must be positive")
	}

	return nil
}
