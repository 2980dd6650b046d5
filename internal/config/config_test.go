package config

import (
	"strings"
	"testing"
	"time"
)

func setBase(t *testing.T) {
	t.Helper()
	for _, kv := range [][2]string{
		{"APP_DB_DSN", "postgres://calsync:pw@localhost:5432/calsync?sslmode=disable"},
		{"APP_SESSION_SECRET", strings.Repeat("s", 32)},
		{"APP_TOKEN_ENCRYPTION_KEY", strings.Repeat("k", 32)},
		{"APP_GOOGLE_CLIENT_ID", "gid"},
		{"APP_GOOGLE_CLIENT_SECRET", "gsecret"},
		{"APP_TRUSTED_PROXIES", "10.0.0.0/8, 192.0.2.1"},
	} {
		t.Setenv(kv[0], kv[1])
	}
}

func TestLoadDefaults(t *testing.T) {
	setBase(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" || cfg.Sync.Interval != time.Hour || cfg.Sync.Workers != 4 {
		t.Fatalf("unexpected defaults %+v", cfg.Sync)
	}
	if cfg.Webhooks.RenewInterval != 24*time.Hour || cfg.Webhooks.RenewWindow != 48*time.Hour {
		t.Fatalf("webhook defaults %+v", cfg.Webhooks)
	}
	if cfg.Sync.LeaseTTL != 15*time.Minute || cfg.Sync.Window != 30*24*time.Hour || cfg.Sync.RefreshMargin != 5*time.Minute {
		t.Fatalf("sync defaults %+v", cfg.Sync)
	}
	if !cfg.Google.Enabled() || cfg.Microsoft.Enabled() {
		t.Fatal("only google should be enabled")
	}
	if cfg.Microsoft.FreeAsConfirmed {
		t.Fatal("free/busy mapping should default to cancelled")
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[1] != "192.0.2.1" {
		t.Fatalf("trusted proxies %v", cfg.TrustedProxies)
	}
	if got := cfg.RedirectURL("google"); got != "http://localhost:8080/auth/google/callback" {
		t.Fatalf("redirect url %q", got)
	}
	if cfg.Webhooks.BaseURL != cfg.BaseURL {
		t.Fatalf("webhook base should default to base url, got %q", cfg.Webhooks.BaseURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	setBase(t)
	t.Setenv("APP_BASE_URL", "https://calsync.example.com/")
	t.Setenv("APP_SYNC_INTERVAL", "90m")
	t.Setenv("APP_SYNC_LEASE_TTL", "600")
	t.Setenv("APP_SYNC_WORKERS", "8")
	t.Setenv("APP_REDIS_ADDR", "redis:6379")
	t.Setenv("APP_REDIS_DB", "2")
	t.Setenv("APP_MICROSOFT_CLIENT_ID", "mid")
	t.Setenv("APP_MICROSOFT_CLIENT_SECRET", "msecret")
	t.Setenv("APP_MICROSOFT_FREE_AS_CONFIRMED", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://calsync.example.com" {
		t.Fatalf("base url %q", cfg.BaseURL)
	}
	if cfg.Sync.Interval != 90*time.Minute || cfg.Sync.LeaseTTL != 10*time.Minute || cfg.Sync.Workers != 8 {
		t.Fatalf("sync overrides %+v", cfg.Sync)
	}
	if cfg.Redis.Addr != "redis:6379" || cfg.Redis.DB != 2 {
		t.Fatalf("redis %+v", cfg.Redis)
	}
	if !cfg.Microsoft.Enabled() || !cfg.Microsoft.FreeAsConfirmed || cfg.Microsoft.Tenant != "common" {
		t.Fatalf("microsoft %+v", cfg.Microsoft)
	}
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	setBase(t)
	t.Setenv("APP_DB_DSN", "")
	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "calsync")
	t.Setenv("APP_DB_USER", "app")
	t.Setenv("APP_DB_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.DSN != "postgres://app:pw@db:5432/calsync?sslmode=disable" {
		t.Fatalf("dsn %q", cfg.DB.DSN)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing dsn", map[string]string{"APP_DB_DSN": ""}, "APP_DB_DSN"},
		{"short session secret", map[string]string{"APP_SESSION_SECRET": "short"}, "APP_SESSION_SECRET"},
		{"missing token key", map[string]string{"APP_TOKEN_ENCRYPTION_KEY": ""}, "APP_TOKEN_ENCRYPTION_KEY"},
		{"short token key", map[string]string{"APP_TOKEN_ENCRYPTION_KEY": "short"}, "at least 32"},
		{"no provider", map[string]string{"APP_GOOGLE_CLIENT_ID": "", "APP_GOOGLE_CLIENT_SECRET": ""}, "at least one calendar provider"},
		{"half a provider", map[string]string{"APP_MICROSOFT_CLIENT_ID": "mid"}, "APP_MICROSOFT_CLIENT_SECRET"},
		{"bad duration", map[string]string{"APP_SYNC_INTERVAL": "soon"}, "APP_SYNC_INTERVAL"},
		{"negative duration", map[string]string{"APP_SYNC_WINDOW": "-1h"}, "APP_SYNC_WINDOW"},
		{"bad integer", map[string]string{"APP_SYNC_WORKERS": "many"}, "APP_SYNC_WORKERS"},
		{"zero workers", map[string]string{"APP_SYNC_WORKERS": "0"}, "APP_SYNC_WORKERS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBase(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
