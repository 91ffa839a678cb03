package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if got := cfg.InterceptTimeout(); got != 30*time.Second {
		t.Fatalf("expected intercept timeout 30s, got %v", got)
	}
	if got := cfg.SelectorTimeout(); got != 10*time.Second {
		t.Fatalf("expected selector timeout 10s, got %v", got)
	}
	if len(cfg.Capture.AllowedHosts) != 3 {
		t.Fatalf("expected three default CDN hosts, got %v", cfg.Capture.AllowedHosts)
	}
	if got := cfg.ReminderInterval(); got != 12*time.Hour {
		t.Fatalf("expected reminder interval 12h, got %v", got)
	}
	if minDelay, maxDelay := cfg.ReplyDelay(); minDelay != 2*time.Second || maxDelay != 3*time.Second {
		t.Fatalf("expected reply delay 2s-3s, got %v-%v", minDelay, maxDelay)
	}
	if cfg.Database.Driver != "sqlite" || !cfg.Database.AutoMigrate {
		t.Fatalf("expected sqlite with auto migrate, got %+v", cfg.Database)
	}
	if cfg.Messaging.DirectSuffix != "@c.us" {
		t.Fatalf("expected direct suffix @c.us, got %q", cfg.Messaging.DirectSuffix)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
  admin_password: hunter2
capture:
  allowed_hosts: ["cdn.example.com"]
  intercept_timeout_seconds: 45
quota:
  timezone: Asia/Karachi
reminder:
  schedule: "0 */6 * * *"
  run_on_start: false
messaging:
  provider: webhook
  gateway_url: http://gateway:3000
  bot_id: 15550001111@c.us
  concurrency: 4
database:
  driver: postgres
  dsn: postgres://relay@localhost/relay
  max_conn_lifetime_minutes: 5
storage:
  evidence_enabled: true
  provider: gcs
  gcs_bucket: evidence
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" || cfg.Auth.AdminPassword != "hunter2" {
		t.Fatalf("expected auth overrides, got %+v", cfg.Auth)
	}
	if len(cfg.Capture.AllowedHosts) != 1 || cfg.Capture.AllowedHosts[0] != "cdn.example.com" {
		t.Fatalf("expected allowed hosts override, got %v", cfg.Capture.AllowedHosts)
	}
	if got := cfg.InterceptTimeout(); got != 45*time.Second {
		t.Fatalf("expected intercept timeout 45s, got %v", got)
	}
	if cfg.Capture.Selector != "button[data-cy='download-button']" {
		t.Fatalf("expected default selector to survive partial override, got %q", cfg.Capture.Selector)
	}
	loc, err := cfg.QuotaLocation()
	if err != nil || loc.String() != "Asia/Karachi" {
		t.Fatalf("expected Asia/Karachi, got %v (%v)", loc, err)
	}
	if cfg.Reminder.Schedule != "0 */6 * * *" || cfg.Reminder.RunOnStart {
		t.Fatalf("expected reminder overrides, got %+v", cfg.Reminder)
	}
	if cfg.Messaging.Concurrency != 4 || cfg.Messaging.BotID != "15550001111@c.us" {
		t.Fatalf("expected messaging overrides, got %+v", cfg.Messaging)
	}
	if got := cfg.MaxConnLifetime(); got != 5*time.Minute {
		t.Fatalf("expected conn lifetime 5m, got %v", got)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LINKRELAY_SERVER_PORT", "7070")
	t.Setenv("LINKRELAY_MESSAGING_INBOUND_SECRET", "inbound")
	t.Setenv("LINKRELAY_DATABASE_DRIVER", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port 7070, got %d", cfg.Server.Port)
	}
	if cfg.Messaging.InboundSecret != "inbound" {
		t.Fatalf("expected inbound secret from env, got %q", cfg.Messaging.InboundSecret)
	}
	if cfg.Database.Driver != "memory" {
		t.Fatalf("expected memory driver from env, got %q", cfg.Database.Driver)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no allowed hosts", func(c *Config) { c.Capture.AllowedHosts = nil }, "capture.allowed_hosts"},
		{"zero intercept timeout", func(c *Config) { c.Capture.InterceptTimeoutSeconds = 0 }, "capture timeouts"},
		{"bad timezone", func(c *Config) { c.Quota.Timezone = "Mars/Olympus" }, "quota.timezone"},
		{"no reminder cadence", func(c *Config) { c.Reminder.IntervalHours = 0 }, "reminder.interval_hours"},
		{"webhook without url", func(c *Config) { c.Messaging.Provider = "webhook" }, "messaging.gateway_url"},
		{"unknown messenger", func(c *Config) { c.Messaging.Provider = "sms" }, "messaging.provider"},
		{"inverted reply delay", func(c *Config) { c.Messaging.ReplyDelayMaxMs = 1 }, "reply_delay"},
		{"zero rps", func(c *Config) { c.RateLimit.PerSenderRPS = 0 }, "ratelimit.per_sender_rps"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "database.driver"},
		{"postgres without dsn", func(c *Config) {
			c.Database.Driver = "postgres"
			c.Database.DSN = ""
		}, "database.dsn"},
		{"gcs without bucket", func(c *Config) { c.Storage.Provider = "gcs" }, "storage.gcs_bucket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			cfg.Capture.AllowedHosts = append([]string(nil), base.Capture.AllowedHosts...)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
