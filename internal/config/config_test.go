package config

import (
	"os"
	"testing"
	"time"
)

func unsetenv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		_ = os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	unsetenv(t, "STORE_BACKEND", "API_ADDR", "SHUTDOWN_TIMEOUT", "SMTP_HOST", "SMTP_FROM", "LOG_MODE", "JWT_SECRET")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.StoreBackend != "postgres" {
		t.Fatalf("expected postgres backend, got %q", cfg.StoreBackend)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("expected 10s shutdown timeout, got %s", cfg.ShutdownTimeout)
	}
	if cfg.SMTPConfigured() {
		t.Fatal("smtp should not be configured by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_BACKEND", " Badger ")
	t.Setenv("SMTP_HOST", "smtp.example.com")
	t.Setenv("SMTP_FROM", "noreply@example.com")
	t.Setenv("SMTP_PORT", "2525")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.StoreBackend != "badger" {
		t.Fatalf("expected badger, got %q", cfg.StoreBackend)
	}
	if cfg.SMTPPort != 2525 || !cfg.SMTPConfigured() {
		t.Fatalf("unexpected smtp config: %+v", cfg)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestLoadProductionRequiresJWTSecret(t *testing.T) {
	tests := []struct {
		name    string
		mode    string
		secret  string
		wantErr bool
	}{
		{name: "production with dev default", mode: "production", wantErr: true},
		{name: "prod alias with dev default", mode: "PROD", wantErr: true},
		{name: "production with explicit dev value", mode: "production", secret: devJWTSecret, wantErr: true},
		{name: "production with real secret", mode: "production", secret: "s3cr3t-from-vault"},
		{name: "development keeps default", mode: "development"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LOG_MODE", tt.mode)
			unsetenv(t, "JWT_SECRET")
			if tt.secret != "" {
				t.Setenv("JWT_SECRET", tt.secret)
			}
			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && tt.secret != "" && cfg.JWTSecret != tt.secret {
				t.Fatalf("JWTSecret = %q", cfg.JWTSecret)
			}
		})
	}
}
