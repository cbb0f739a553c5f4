package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.HTTP.Addr)
	}
	if cfg.Escrow.ContestWindow != 72*time.Hour {
		t.Errorf("expected 72h contest window, got %s", cfg.Escrow.ContestWindow)
	}
	if cfg.Escrow.PayoutRetry.MaxAttempts != 6 || cfg.Escrow.PayoutRetry.Initial != time.Minute {
		t.Errorf("unexpected payout retry: %+v", cfg.Escrow.PayoutRetry)
	}
	if cfg.Scheduler.Mode != ModeEmbedded || cfg.Scheduler.Cron != "*/5 * * * *" {
		t.Errorf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if p := cfg.Outbox.Retry.Policy(); p.MaxAttempts != 8 || p.Multiplier != 2 {
		t.Errorf("unexpected outbox policy: %+v", p)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escrow.yaml")
	content := `
database:
  url: postgres://escrow@localhost/escrow
auth:
  jwt_secret: file-secret-0123456789
escrow:
  contest_window: 48h
  payout_retry:
    max_attempts: 3
scheduler:
  mode: temporal
  cron: "0 * * * *"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ESCROW_ESCROW_CONTEST_WINDOW", "24h")
	t.Setenv("ESCROW_SCHEDULER_CONCURRENCY", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.URL != "postgres://escrow@localhost/escrow" {
		t.Errorf("unexpected database url %q", cfg.Database.URL)
	}
	if cfg.Escrow.ContestWindow != 24*time.Hour {
		t.Errorf("env should override file: got %s", cfg.Escrow.ContestWindow)
	}
	if cfg.Escrow.PayoutRetry.MaxAttempts != 3 || cfg.Escrow.PayoutRetry.Initial != time.Minute {
		t.Errorf("file should merge over defaults: %+v", cfg.Escrow.PayoutRetry)
	}
	if cfg.Scheduler.Concurrency != 9 || cfg.Scheduler.Mode != ModeTemporal {
		t.Errorf("unexpected scheduler: %+v", cfg.Scheduler)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		cfg.Database.URL = "postgres://localhost/escrow"
		cfg.Auth.JWTSecret = "0123456789abcdef"
		return cfg
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("defaults plus required fields should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing database", func(c *Config) { c.Database.URL = "" }, "database.url"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"bad cron", func(c *Config) { c.Scheduler.Cron = "every five minutes" }, "scheduler.cron"},
		{"bad mode", func(c *Config) { c.Scheduler.Mode = "sometimes" }, "scheduler.mode"},
		{"bad policy", func(c *Config) { c.Milestone.SignaturePolicy = "any" }, "signature_policy"},
		{"retry max below initial", func(c *Config) { c.Outbox.Retry.Max = time.Second }, "outbox.retry.max"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}

	off := base()
	off.Scheduler.Mode = ModeOff
	off.Scheduler.Cron = ""
	if err := off.Validate(); err != nil {
		t.Fatalf("cron is ignored when scheduler is off: %v", err)
	}
}
