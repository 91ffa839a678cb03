// Package config loads and validates linkrelay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	Quota     QuotaConfig     `mapstructure:"quota"`
	Reminder  ReminderConfig  `mapstructure:"reminder"`
	Messaging MessagingConfig `mapstructure:"messaging"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines admin API authentication.
type AuthConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	APIKey        string `mapstructure:"api_key"`
	AdminPassword string `mapstructure:"admin_password"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the default level (debug in development, info otherwise).
	Level string `mapstructure:"level"`
}

// BrowserConfig controls the shared Chrome session.
type BrowserConfig struct {
	ExecPath             string `mapstructure:"exec_path"`
	UserDataDir          string `mapstructure:"user_data_dir"`
	UserAgent            string `mapstructure:"user_agent"`
	Headless             bool   `mapstructure:"headless"`
	LandingURL           string `mapstructure:"landing_url"`
	LaunchTimeoutSeconds int    `mapstructure:"launch_timeout_seconds"`
	ProbeTimeoutSeconds  int    `mapstructure:"probe_timeout_seconds"`
}

// CaptureConfig governs the download-link capture.
type CaptureConfig struct {
	AllowedHosts             []string `mapstructure:"allowed_hosts"`
	Selector                 string   `mapstructure:"selector"`
	NavigationTimeoutSeconds int      `mapstructure:"navigation_timeout_seconds"`
	SelectorTimeoutSeconds   int      `mapstructure:"selector_timeout_seconds"`
	InterceptTimeoutSeconds  int      `mapstructure:"intercept_timeout_seconds"`
}

// QuotaConfig sets where "today" starts.
type QuotaConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// ReminderConfig controls renewal reminders.
type ReminderConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	IntervalHours int    `mapstructure:"interval_hours"`
	Schedule      string `mapstructure:"schedule"`
	RunOnStart    bool   `mapstructure:"run_on_start"`
	Message       string `mapstructure:"message"`
}

// MessagingConfig configures the chat gateway and the inbound pipeline.
type MessagingConfig struct {
	// Provider is "webhook" or "log".
	Provider             string `mapstructure:"provider"`
	GatewayURL           string `mapstructure:"gateway_url"`
	GatewayToken         string `mapstructure:"gateway_token"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	DirectSuffix         string `mapstructure:"direct_suffix"`
	InboundSecret        string `mapstructure:"inbound_secret"`
	BotID                string `mapstructure:"bot_id"`
	QueueDepth           int    `mapstructure:"queue_depth"`
	Concurrency          int    `mapstructure:"concurrency"`
	ReplyDelayMinMs      int    `mapstructure:"reply_delay_min_ms"`
	ReplyDelayMaxMs      int    `mapstructure:"reply_delay_max_ms"`
	ReactionEmoji        string `mapstructure:"reaction_emoji"`
	NotRegisteredMessage string `mapstructure:"not_registered_message"`
}

// RateLimitConfig bounds how often one sender may trigger the bot.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	PerSenderRPS float64 `mapstructure:"per_sender_rps"`
	Burst        int     `mapstructure:"burst"`
}

// DatabaseConfig selects and tunes the persistence backend.
type DatabaseConfig struct {
	// Driver is "sqlite", "postgres" or "memory".
	Driver                 string `mapstructure:"driver"`
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int    `mapstructure:"max_conns"`
	MinConns               int    `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
	AutoMigrate            bool   `mapstructure:"auto_migrate"`
}

// StorageConfig sets where capture evidence goes.
type StorageConfig struct {
	EvidenceEnabled bool `mapstructure:"evidence_enabled"`
	// Provider is "memory", "local" or "gcs".
	Provider    string `mapstructure:"provider"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	GCSEndpoint string `mapstructure:"gcs_endpoint"`
	Prefix      string `mapstructure:"prefix"`
}

// Load builds a Config from .env, an optional file and the environment.
// Environment variables use the LINKRELAY_ prefix, e.g. LINKRELAY_SERVER_PORT.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("LINKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.admin_password", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")

	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.landing_url", "https://www.freepik.com/")
	v.SetDefault("browser.launch_timeout_seconds", 30)
	v.SetDefault("browser.probe_timeout_seconds", 5)

	v.SetDefault("capture.allowed_hosts", []string{
		"downloadscdn5.freepik.com",
		"downloadscdn6.freepik.com",
		"videocdn.cdnpk.net",
	})
	v.SetDefault("capture.selector", "button[data-cy='download-button']")
	v.SetDefault("capture.navigation_timeout_seconds", 30)
	v.SetDefault("capture.selector_timeout_seconds", 10)
	v.SetDefault("capture.intercept_timeout_seconds", 30)

	v.SetDefault("quota.timezone", "Local")

	v.SetDefault("reminder.enabled", true)
	v.SetDefault("reminder.interval_hours", 12)
	v.SetDefault("reminder.schedule", "")
	v.SetDefault("reminder.run_on_start", true)
	v.SetDefault("reminder.message", "Your subscription will expire soon. Please renew to continue using the service.")

	v.SetDefault("messaging.provider", "log")
	v.SetDefault("messaging.gateway_url", "")
	v.SetDefault("messaging.gateway_token", "")
	v.SetDefault("messaging.timeout_seconds", 15)
	v.SetDefault("messaging.direct_suffix", "@c.us")
	v.SetDefault("messaging.inbound_secret", "")
	v.SetDefault("messaging.bot_id", "")
	v.SetDefault("messaging.queue_depth", 64)
	v.SetDefault("messaging.concurrency", 2)
	v.SetDefault("messaging.reply_delay_min_ms", 2000)
	v.SetDefault("messaging.reply_delay_max_ms", 3000)
	v.SetDefault("messaging.reaction_emoji", "👍")
	v.SetDefault("messaging.not_registered_message", "")

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.per_sender_rps", 0.2)
	v.SetDefault("ratelimit.burst", 3)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:linkrelay.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("storage.evidence_enabled", false)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.local_dir", "evidence")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.gcs_endpoint", "")
	v.SetDefault("storage.prefix", "evidence")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Browser.LaunchTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.launch_timeout_seconds must be > 0")
	}
	if c.Browser.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.probe_timeout_seconds must be > 0")
	}
	if len(c.Capture.AllowedHosts) == 0 {
		return fmt.Errorf("capture.allowed_hosts must not be empty")
	}
	if c.Capture.Selector == "" {
		return fmt.Errorf("capture.selector is required")
	}
	if c.Capture.NavigationTimeoutSeconds <= 0 || c.Capture.SelectorTimeoutSeconds <= 0 ||
		c.Capture.InterceptTimeoutSeconds <= 0 {
		return fmt.Errorf("capture timeouts must be > 0")
	}
	if _, err := c.QuotaLocation(); err != nil {
		return err
	}
	if c.Reminder.Schedule == "" && c.Reminder.IntervalHours <= 0 {
		return fmt.Errorf("reminder.interval_hours must be > 0 when reminder.schedule is empty")
	}
	switch c.Messaging.Provider {
	case "log":
	case "webhook":
		if c.Messaging.GatewayURL == "" {
			return fmt.Errorf("messaging.gateway_url is required for the webhook provider")
		}
	default:
		return fmt.Errorf("messaging.provider must be webhook or log, got %q", c.Messaging.Provider)
	}
	if c.Messaging.QueueDepth <= 0 {
		return fmt.Errorf("messaging.queue_depth must be > 0")
	}
	if c.Messaging.Concurrency <= 0 {
		return fmt.Errorf("messaging.concurrency must be > 0")
	}
	if c.Messaging.ReplyDelayMinMs < 0 || c.Messaging.ReplyDelayMaxMs < c.Messaging.ReplyDelayMinMs {
		return fmt.Errorf("messaging.reply_delay_max_ms must be >= reply_delay_min_ms >= 0")
	}
	if c.RateLimit.Enabled && c.RateLimit.PerSenderRPS <= 0 {
		return fmt.Errorf("ratelimit.per_sender_rps must be > 0 when rate limiting is enabled")
	}
	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the %s driver", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be sqlite, postgres or memory, got %q", c.Database.Driver)
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be memory, local or gcs, got %q", c.Storage.Provider)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration { return seconds(c.Server.ShutdownTimeoutSeconds) }

// LaunchTimeout bounds a browser launch including the landing page.
func (c Config) LaunchTimeout() time.Duration { return seconds(c.Browser.LaunchTimeoutSeconds) }

// ProbeTimeout bounds the health probe.
func (c Config) ProbeTimeout() time.Duration { return seconds(c.Browser.ProbeTimeoutSeconds) }

// NavigationTimeout bounds navigation to the content page.
func (c Config) NavigationTimeout() time.Duration { return seconds(c.Capture.NavigationTimeoutSeconds) }

// SelectorTimeout bounds the wait for the download control.
func (c Config) SelectorTimeout() time.Duration { return seconds(c.Capture.SelectorTimeoutSeconds) }

// InterceptTimeout bounds the wait for the CDN request.
func (c Config) InterceptTimeout() time.Duration { return seconds(c.Capture.InterceptTimeoutSeconds) }

// MessagingTimeout bounds each gateway call.
func (c Config) MessagingTimeout() time.Duration { return seconds(c.Messaging.TimeoutSeconds) }

// ReminderInterval is the gap between sweeps when no cron schedule is set.
func (c Config) ReminderInterval() time.Duration {
	return time.Duration(c.Reminder.IntervalHours) * time.Hour
}

// ReplyDelay returns the pacing window for replies.
func (c Config) ReplyDelay() (minDelay, maxDelay time.Duration) {
	return time.Duration(c.Messaging.ReplyDelayMinMs) * time.Millisecond,
		time.Duration(c.Messaging.ReplyDelayMaxMs) * time.Millisecond
}

// MaxConnLifetime is the pgx pool connection lifetime.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}

// QuotaLocation resolves quota.timezone. An empty value means the host zone.
func (c Config) QuotaLocation() (*time.Location, error) {
	if c.Quota.Timezone == "" || c.Quota.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Quota.Timezone)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return loc, nil
}
