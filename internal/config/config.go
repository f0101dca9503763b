package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PROMOBOT_"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server" env:",prefix=SERVER_"`
	Database  DatabaseConfig  `yaml:"database" env:",prefix=DATABASE_"`
	Telegram  TelegramConfig  `yaml:"telegram" env:",prefix=TELEGRAM_"`
	Queue     QueueConfig     `yaml:"queue" env:",prefix=QUEUE_"`
	Attention AttentionConfig `yaml:"attention" env:",prefix=ATTENTION_"`
	Redis     RedisConfig     `yaml:"redis" env:",prefix=REDIS_"`
	State     StateConfig     `yaml:"state" env:",prefix=STATE_"`
	Metrics   MetricsConfig   `yaml:"metrics" env:",prefix=METRICS_"`
	Logging   LoggingConfig   `yaml:"logging" env:",prefix=LOGGING_"`
}

// ServerConfig contains admin HTTP API settings
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"LISTEN_ADDR,overwrite"` // Default: :8080
	APIKey         string        `yaml:"api_key" env:"API_KEY,overwrite"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// DatabaseConfig contains SQL store settings
type DatabaseConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER,overwrite"` // sqlite3 or postgres
	DSN      string `yaml:"dsn" env:"DSN,overwrite"`       // file path for sqlite3
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// TelegramConfig contains bot settings
type TelegramConfig struct {
	Token         string  `yaml:"token" env:"TOKEN,overwrite"`
	AdminToken    string  `yaml:"admin_token" env:"ADMIN_TOKEN,overwrite"`
	AdminChatIDs  []int64 `yaml:"admin_chat_ids" env:"ADMIN_CHAT_IDS,overwrite"` // Empty: any chat may redeem
	RatePerSecond float64 `yaml:"rate_per_second"`                               // Default: 25
	MediaDir      string  `yaml:"media_dir"`                                     // Base directory of post and rule images
	ButtonText    string  `yaml:"button_text"`
	Debug         bool    `yaml:"debug"`

	// StartMessage is the reply to /start
	StartMessage string `yaml:"start_message"`
	// DisableUpdates stops this process from polling the main bot. Only one
	// process per token may poll.
	DisableUpdates bool `yaml:"disable_updates" env:"DISABLE_UPDATES,overwrite"`
	// RequestTimeout bounds every Bot API call, long polls included.
	RequestTimeout time.Duration `yaml:"request_timeout"` // Default: 45s
}

// LongPollTimeout is how long a getUpdates call waits on the Bot API side
const LongPollTimeout = 30 * time.Second

// QueueConfig contains drain worker settings
type QueueConfig struct {
	PostInterval       time.Duration `yaml:"post_interval" env:"POST_INTERVAL,overwrite"`             // Default: 1m
	SalesRuleInterval  time.Duration `yaml:"sales_rule_interval" env:"SALES_RULE_INTERVAL,overwrite"` // Default: 1m
	PostBatchSize      int           `yaml:"post_batch_size"`                                         // Default: 100
	SalesRuleBatchSize int           `yaml:"sales_rule_batch_size"`                                   // Default: 300
	SendTimeout        time.Duration `yaml:"send_timeout"`                                            // Default: 30s
}

// AttentionConfig contains the daily attention scan settings
type AttentionConfig struct {
	RunAt     string `yaml:"run_at" env:"RUN_AT,overwrite"`     // HH:MM, default 09:00
	Timezone  string `yaml:"timezone" env:"TIMEZONE,overwrite"` // Default: Europe/Moscow
	StaleDays int    `yaml:"stale_days"`                        // Default: 14
}

// RedisConfig enables cross-process job locks when Addr is set
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"ADDR,overwrite"`
	Password string        `yaml:"password" env:"PASSWORD,overwrite"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"` // Default: 10m
}

// Enabled reports whether Redis locks are configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// StateConfig contains job-state store settings
type StateConfig struct {
	Path            string        `yaml:"path" env:"PATH,overwrite"` // Default: /var/lib/promobot/state.db
	HistoryMaxAge   time.Duration `yaml:"history_max_age"`           // Default: 720h
	HistoryMaxCount int           `yaml:"history_max_count"`         // Default: 1000
	CleanupInterval time.Duration `yaml:"cleanup_interval"`          // Default: 1h
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL,overwrite"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT,overwrite"` // json, text
}

// Load reads the YAML file at path, applies PROMOBOT_* environment
// overrides, fills defaults and validates. An empty path uses the
// environment only.
func Load(ctx context.Context, path string) (*Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.MaxHeaderBytes == 0 {
		c.Server.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	// Manual drains and campaign sends run inside the request
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.DSN == "" && c.Database.Driver == "sqlite3" {
		c.Database.DSN = "/var/lib/promobot/promobot.db"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = 2
	}

	if c.Telegram.RatePerSecond == 0 {
		c.Telegram.RatePerSecond = 25
	}
	if c.Telegram.RequestTimeout == 0 {
		c.Telegram.RequestTimeout = 45 * time.Second
	}
	if c.Telegram.StartMessage == "" {
		c.Telegram.StartMessage = "Вітаємо! Ви підписані на наші новини та акції."
	}

	if c.Queue.PostInterval == 0 {
		c.Queue.PostInterval = time.Minute
	}
	if c.Queue.SalesRuleInterval == 0 {
		c.Queue.SalesRuleInterval = time.Minute
	}
	if c.Queue.PostBatchSize == 0 {
		c.Queue.PostBatchSize = 100
	}
	if c.Queue.SalesRuleBatchSize == 0 {
		c.Queue.SalesRuleBatchSize = 300
	}
	if c.Queue.SendTimeout == 0 {
		c.Queue.SendTimeout = 30 * time.Second
	}

	if c.Attention.RunAt == "" {
		c.Attention.RunAt = "09:00"
	}
	if c.Attention.Timezone == "" {
		c.Attention.Timezone = "Europe/Moscow"
	}
	if c.Attention.StaleDays == 0 {
		c.Attention.StaleDays = 14
	}

	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 10 * time.Minute
	}

	if c.State.Path == "" {
		c.State.Path = "/var/lib/promobot/state.db"
	}
	if c.State.HistoryMaxAge == 0 {
		c.State.HistoryMaxAge = 30 * 24 * time.Hour
	}
	if c.State.HistoryMaxCount == 0 {
		c.State.HistoryMaxCount = 1000
	}
	if c.State.CleanupInterval == 0 {
		c.State.CleanupInterval = time.Hour
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("invalid database.driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Telegram.RatePerSecond < 0 {
		return fmt.Errorf("telegram.rate_per_second must be positive")
	}
	if c.Telegram.RequestTimeout <= LongPollTimeout {
		return fmt.Errorf("telegram.request_timeout must exceed the %s long poll", LongPollTimeout)
	}

	if c.Queue.PostBatchSize < 0 || c.Queue.SalesRuleBatchSize < 0 {
		return fmt.Errorf("queue batch sizes must be positive")
	}
	if c.Queue.SendTimeout < 0 {
		return fmt.Errorf("queue.send_timeout must be positive")
	}

	if _, err := time.Parse("15:04", c.Attention.RunAt); err != nil {
		return fmt.Errorf("invalid attention.run_at: %s (must be HH:MM)", c.Attention.RunAt)
	}
	if _, err := time.LoadLocation(c.Attention.Timezone); err != nil {
		return fmt.Errorf("invalid attention.timezone: %s", c.Attention.Timezone)
	}
	if c.Attention.StaleDays < 0 {
		return fmt.Errorf("attention.stale_days must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// ValidateBots checks the settings needed to run the bots
func (c *Config) ValidateBots() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (or %sTELEGRAM_TOKEN)", EnvPrefix)
	}
	return nil
}
