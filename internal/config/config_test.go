package config

import (
	"strings"
	"testing"
)

func devConfig() *Config {
	return &Config{
		Env:              "development",
		RequestTimeoutMS: 30000,
		WorkerPoolSize:   8,
		WorkQueueSize:    1024,
	}
}

func prodConfig() *Config {
	c := devConfig()
	c.Env = "production"
	c.ABDMBaseURL = "https://dev.abdm.gov.in/gateway"
	c.ABDMAuthURL = "https://dev.abdm.gov.in/gateway/v0.5/sessions"
	c.ABDMClientID = "hiu-client"
	c.ABDMClientSecret = "hiu-secret"
	c.WebhookSharedSecret = "webhook-secret"
	c.AuthJWKSURL = "https://auth.example.com/jwks"
	c.TokenEncryptionKey = strings.Repeat("ab", 32)
	c.DataEncryptionKey = strings.Repeat("cd", 32)
	return c
}

func TestValidate_DevelopmentDefaults(t *testing.T) {
	if err := devConfig().Validate(); err != nil {
		t.Fatalf("development config should validate without credentials: %v", err)
	}
}

func TestValidate_Production(t *testing.T) {
	if err := prodConfig().Validate(); err != nil {
		t.Fatalf("complete production config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing gateway urls", func(c *Config) { c.ABDMBaseURL = "" }, "ABDM_BASE_URL"},
		{"missing credentials", func(c *Config) { c.ABDMClientSecret = "" }, "ABDM_CLIENT_ID"},
		{"missing webhook secret", func(c *Config) { c.WebhookSharedSecret = "" }, "WEBHOOK_SHARED_SECRET"},
		{"missing verifier", func(c *Config) { c.AuthJWKSURL = "" }, "AUTH_SERVICE_URL"},
		{"missing encryption key", func(c *Config) { c.DataEncryptionKey = "" }, "DATA_ENCRYPTION_KEY"},
		{"bad hex key", func(c *Config) { c.TokenEncryptionKey = "zz" }, "not valid hex"},
		{"short key", func(c *Config) { c.TokenEncryptionKey = "abcd" }, "32 bytes"},
		{"bad url", func(c *Config) { c.ABDMBaseURL = "://nope" }, "invalid URL"},
		{"zero timeout", func(c *Config) { c.RequestTimeoutMS = 0 }, "REQUEST_TIMEOUT_MS"},
		{"zero workers", func(c *Config) { c.WorkerPoolSize = 0 }, "WORKER_POOL_SIZE"},
	}
	for _, tc := range cases {
		c := prodConfig()
		tc.mutate(c)
		err := c.Validate()
		if err == nil {
			t.Errorf("%s: expected error", tc.name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: error %q does not mention %q", tc.name, err, tc.want)
		}
	}
}

func TestValidate_KeysOptionalInDevelopment(t *testing.T) {
	c := devConfig()
	c.TokenEncryptionKey = ""
	if err := c.Validate(); err != nil {
		t.Fatalf("encryption keys are optional in development: %v", err)
	}

	c.TokenEncryptionKey = "deadbeef"
	if err := c.Validate(); err == nil {
		t.Fatal("a provided key must still be 32 bytes in development")
	}
}
