package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9080"
  api_key: "test-api-key"

database:
  driver: "sqlite3"
  dsn: "/tmp/promobot-test.db"

telegram:
  token: "123:abc"
  admin_chat_ids: [100, 200]
  rate_per_second: 10

queue:
  post_interval: 30s
  sales_rule_batch_size: 50
  send_timeout: 5s

attention:
  run_at: "07:30"
  timezone: "Europe/Kyiv"
  stale_days: 7

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := load(context.Background(), path, envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.ListenAddr != ":9080" {
		t.Errorf("Server.ListenAddr = %v, want :9080", cfg.Server.ListenAddr)
	}
	if cfg.Server.APIKey != "test-api-key" {
		t.Errorf("Server.APIKey = %v, want test-api-key", cfg.Server.APIKey)
	}
	if cfg.Database.DSN != "/tmp/promobot-test.db" {
		t.Errorf("Database.DSN = %v", cfg.Database.DSN)
	}
	if len(cfg.Telegram.AdminChatIDs) != 2 || cfg.Telegram.AdminChatIDs[1] != 200 {
		t.Errorf("Telegram.AdminChatIDs = %v, want [100 200]", cfg.Telegram.AdminChatIDs)
	}
	if cfg.Telegram.RatePerSecond != 10 {
		t.Errorf("Telegram.RatePerSecond = %v, want 10", cfg.Telegram.RatePerSecond)
	}
	if cfg.Queue.PostInterval != 30*time.Second {
		t.Errorf("Queue.PostInterval = %v, want 30s", cfg.Queue.PostInterval)
	}
	if cfg.Queue.SalesRuleBatchSize != 50 {
		t.Errorf("Queue.SalesRuleBatchSize = %v, want 50", cfg.Queue.SalesRuleBatchSize)
	}
	if cfg.Queue.SendTimeout != 5*time.Second {
		t.Errorf("Queue.SendTimeout = %v, want 5s", cfg.Queue.SendTimeout)
	}
	if cfg.Attention.RunAt != "07:30" || cfg.Attention.Timezone != "Europe/Kyiv" || cfg.Attention.StaleDays != 7 {
		t.Errorf("Attention = %+v", cfg.Attention)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), writeConfig(t, "{}\n"), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server.listen_addr", cfg.Server.ListenAddr, ":8080"},
		{"database.driver", cfg.Database.Driver, "sqlite3"},
		{"database.dsn", cfg.Database.DSN, "/var/lib/promobot/promobot.db"},
		{"telegram.rate_per_second", cfg.Telegram.RatePerSecond, float64(25)},
		{"telegram.request_timeout", cfg.Telegram.RequestTimeout, 45 * time.Second},
		{"telegram.disable_updates", cfg.Telegram.DisableUpdates, false},
		{"queue.post_interval", cfg.Queue.PostInterval, time.Minute},
		{"queue.sales_rule_interval", cfg.Queue.SalesRuleInterval, time.Minute},
		{"queue.post_batch_size", cfg.Queue.PostBatchSize, 100},
		{"queue.sales_rule_batch_size", cfg.Queue.SalesRuleBatchSize, 300},
		{"queue.send_timeout", cfg.Queue.SendTimeout, 30 * time.Second},
		{"attention.run_at", cfg.Attention.RunAt, "09:00"},
		{"attention.timezone", cfg.Attention.Timezone, "Europe/Moscow"},
		{"attention.stale_days", cfg.Attention.StaleDays, 14},
		{"redis.lock_ttl", cfg.Redis.LockTTL, 10 * time.Minute},
		{"state.path", cfg.State.Path, "/var/lib/promobot/state.db"},
		{"state.history_max_count", cfg.State.HistoryMaxCount, 1000},
		{"metrics.path", cfg.Metrics.Path, "/metrics"},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "json"},
	}

	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	if cfg.Redis.Enabled() {
		t.Error("Redis.Enabled() = true, want false without addr")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
telegram:
  token: "from-file"
database:
  dsn: "/tmp/file.db"
`)

	env := envconfig.MapLookuper(map[string]string{
		"PROMOBOT_TELEGRAM_TOKEN":          "from-env",
		"PROMOBOT_TELEGRAM_ADMIN_TOKEN":    "admin-env",
		"PROMOBOT_TELEGRAM_ADMIN_CHAT_IDS": "1,2,3",
		"PROMOBOT_SERVER_API_KEY":          "secret",
		"PROMOBOT_REDIS_ADDR":              "localhost:6379",
		"PROMOBOT_QUEUE_POST_INTERVAL":     "15s",
		"PROMOBOT_LOGGING_LEVEL":           "warn",
	})

	cfg, err := load(context.Background(), path, env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Telegram.Token != "from-env" {
		t.Errorf("Telegram.Token = %v, want from-env", cfg.Telegram.Token)
	}
	if cfg.Telegram.AdminToken != "admin-env" {
		t.Errorf("Telegram.AdminToken = %v, want admin-env", cfg.Telegram.AdminToken)
	}
	if len(cfg.Telegram.AdminChatIDs) != 3 {
		t.Errorf("Telegram.AdminChatIDs = %v, want 3 ids", cfg.Telegram.AdminChatIDs)
	}
	if cfg.Server.APIKey != "secret" {
		t.Errorf("Server.APIKey = %v, want secret", cfg.Server.APIKey)
	}
	if !cfg.Redis.Enabled() || cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	if cfg.Queue.PostInterval != 15*time.Second {
		t.Errorf("Queue.PostInterval = %v, want 15s", cfg.Queue.PostInterval)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v, want warn", cfg.Logging.Level)
	}
	// Values without an override keep the file value
	if cfg.Database.DSN != "/tmp/file.db" {
		t.Errorf("Database.DSN = %v, want /tmp/file.db", cfg.Database.DSN)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	env := envconfig.MapLookuper(map[string]string{
		"PROMOBOT_DATABASE_DSN": "/tmp/env.db",
	})

	cfg, err := load(context.Background(), "", env)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.DSN != "/tmp/env.db" {
		t.Errorf("Database.DSN = %v, want /tmp/env.db", cfg.Database.DSN)
	}
	if err := cfg.ValidateBots(); err == nil {
		t.Error("ValidateBots() expected error without token")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad driver", "database:\n  driver: mysql\n", "database.driver"},
		{"bad run_at", "attention:\n  run_at: \"9am\"\n", "attention.run_at"},
		{"bad timezone", "attention:\n  timezone: \"Mars/Olympus\"\n", "attention.timezone"},
		{"bad level", "logging:\n  level: verbose\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"request timeout below long poll", "telegram:\n  request_timeout: 10s\n", "telegram.request_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := load(context.Background(), writeConfig(t, tt.content), envconfig.MapLookuper(nil))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), "/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}
}
