package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadConfig(t *testing.T) {
	p := writeConfig(t, `
env: production
database:
  host: "localhost"
  port: 5432
  username: "u"
  password: "p"
  name: "db"
kafka:
  host: "localhost"
  port: 9092
  tracking_updated_topic_name: "tracking.updated"
  consumer_group: "track-api"
redis:
  host: "localhost"
  port: 6379
track17:
  base_url: "https://api.17track.net/track/v2.2"
telegram:
  mini_app_name: "teletrack"
webhook:
  http_addr: ":8080"
  path: "/webhook/17track"
  fanout_mode: "detached"
  fanout_concurrency: 16
worker:
  batch_size: 50
  carrier_rate_limits:
    3011: 30
users:
  default_quota: 10
`)

	cfg, err := LoadConfig(p)
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Env)
	require.Equal(t, "postgres://u:p@localhost:5432/db?sslmode=disable", cfg.Database.ConnString())
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers())
	require.True(t, cfg.Redis.Enabled())
	require.Equal(t, "localhost:6379", cfg.Redis.Addr())
	require.Equal(t, "detached", cfg.Webhook.FanoutMode)
	require.Equal(t, 16, cfg.Webhook.FanoutConcurrency)
	require.Equal(t, map[int]int{3011: 30}, cfg.Worker.CarrierRateLimits)
	require.Equal(t, 10, cfg.Users.DefaultQuota)
}

func TestLoadConfig_Missing(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "failed to read config file")
}

func TestLoadConfig_BadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "database: [1, 2"))
	require.ErrorContains(t, err, "failed to unmarshal YAML")
}

func TestApplyEnv(t *testing.T) {
	cfg := &Config{}
	cfg.Webhook.Secret = "from-file"
	cfg.Track17.APIKey = "from-file"

	env := map[string]string{
		"WEBHOOK_SECRET":     "s3cret",
		"TELEGRAM_BOT_TOKEN": "123:abc",
		"TRACK17_API_KEY":    "  ",
		"DATABASE_URL":       "postgres://x",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	require.Equal(t, "s3cret", cfg.Webhook.Secret)
	require.Equal(t, "123:abc", cfg.Telegram.BotToken)
	require.Equal(t, "from-file", cfg.Track17.APIKey)
	require.Equal(t, "postgres://x", cfg.Database.ConnString())
}

func TestPublic_HidesSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Webhook.Secret = "s3cret"
	cfg.Telegram.BotToken = "123:abc"
	cfg.Track17.APIKey = "key"

	pub := cfg.Public()
	require.NotContains(t, fmtAll(pub), "s3cret")
	require.NotContains(t, fmtAll(pub), "123:abc")
}

func fmtAll(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
