package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()

	if cfg.Port != "7080" {
		t.Errorf("expected port 7080, got %s", cfg.Port)
	}
	if cfg.StoreBackend != "memory" {
		t.Errorf("expected memory backend, got %s", cfg.StoreBackend)
	}
	if cfg.WriteTimeout != 0 {
		t.Errorf("expected no write timeout, got %v", cfg.WriteTimeout)
	}
	if cfg.MaxCommitRetries != 3 {
		t.Errorf("expected 3 commit retries, got %d", cfg.MaxCommitRetries)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_BACKEND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/collab.db")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("GENERATOR_TIMEOUT", "45s")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := FromEnv()

	if cfg.Port != "9000" || cfg.StoreBackend != "sqlite" || cfg.SQLitePath != "/tmp/collab.db" {
		t.Errorf("unexpected server/store config %+v", cfg)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "https://b.example" {
		t.Errorf("unexpected origins %q", cfg.CORSOrigins)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Errorf("expected 2.5 rps, got %v", cfg.RateLimitRPS)
	}
	if !cfg.AuthEnabled || cfg.JWTSecret != "s3cret" {
		t.Error("expected auth settings from env")
	}
	if cfg.GeneratorTimeout != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.GeneratorTimeout)
	}
	if cfg.RedisDB != 0 {
		t.Errorf("unparsable int should fall back to default, got %d", cfg.RedisDB)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.StoreBackend = "postgres" }, "STORE_BACKEND"},
		{"sqlite without path", func(c *Config) { c.StoreBackend = "sqlite"; c.SQLitePath = "" }, "SQLITE_PATH"},
		{"unknown generator", func(c *Config) { c.Generator = "llama" }, "GENERATOR"},
		{"auth without secret", func(c *Config) { c.AuthEnabled = true; c.JWTSecret = "" }, "JWT_SECRET"},
		{"negative rate", func(c *Config) { c.RateLimitRPS = -1 }, "RATE_LIMIT_RPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %s, got %v", tt.wantErr, err)
			}
		})
	}
}
