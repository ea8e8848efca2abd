package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Env      string         `yaml:"env"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Track17  Track17Config  `yaml:"track17"`
	Telegram TelegramConfig `yaml:"telegram"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Worker   WorkerConfig   `yaml:"worker"`
	Users    UsersConfig    `yaml:"users"`
}

type DatabaseConfig struct {
	// URL wins over the discrete fields when set.
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

func (d DatabaseConfig) ConnString() string {
	if d.URL != "" {
		return d.URL
	}
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, sslMode)
}

type KafkaConfig struct {
	Host                     string `yaml:"host"`
	Port                     int    `yaml:"port"`
	TrackingUpdatedTopicName string `yaml:"tracking_updated_topic_name"`
	ConsumerGroup            string `yaml:"consumer_group"`
}

func (k KafkaConfig) Brokers() []string {
	return []string{fmt.Sprintf("%s:%d", k.Host, k.Port)}
}

// RedisConfig with an empty host disables the status cache and the shared lock.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type Track17Config struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type TelegramConfig struct {
	BaseURL     string `yaml:"base_url"`
	BotToken    string `yaml:"bot_token"`
	MiniAppName string `yaml:"mini_app_name"`
}

type WebhookConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	Path     string `yaml:"path"`
	Secret   string `yaml:"secret"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// FanoutMode is "await" or "detached".
	FanoutMode             string `yaml:"fanout_mode"`
	FanoutConcurrency      int    `yaml:"fanout_concurrency"`
	NotifyTimeoutSeconds   int    `yaml:"notify_timeout_seconds"`
	DetachedTimeoutSeconds int    `yaml:"detached_timeout_seconds"`

	LockTTLSeconds        int `yaml:"lock_ttl_seconds"`
	StatusCacheTTLSeconds int `yaml:"status_cache_ttl_seconds"`
	APIRateLimitPerMinute int `yaml:"api_rate_limit_per_minute"`
}

type WorkerConfig struct {
	HTTPAddr            string `yaml:"http_addr" json:"http_addr"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
	BatchSize           int    `yaml:"batch_size" json:"batch_size"`
	Concurrency         int    `yaml:"concurrency" json:"concurrency"`
	LeaseSeconds        int    `yaml:"lease_seconds" json:"lease_seconds"`
	RateLimitPerMinute  int    `yaml:"rate_limit_per_minute" json:"rate_limit_per_minute"`
	// CarrierRateLimits maps a 17track carrier code to its own per-minute limit.
	CarrierRateLimits map[int]int `yaml:"carrier_rate_limits" json:"carrier_rate_limits"`

	// Scheduling (optional). Defaults: in transit 30..120 minutes, unknown 90 minutes,
	// backoff 5/15/30/60 minutes.
	NextCheckInTransitMinSeconds int `yaml:"next_check_in_transit_min_seconds" json:"next_check_in_transit_min_seconds"`
	NextCheckInTransitMaxSeconds int `yaml:"next_check_in_transit_max_seconds" json:"next_check_in_transit_max_seconds"`
	NextCheckUnknownSeconds      int `yaml:"next_check_unknown_seconds" json:"next_check_unknown_seconds"`
	Backoff1Seconds              int `yaml:"backoff_1_seconds" json:"backoff_1_seconds"`
	Backoff2Seconds              int `yaml:"backoff_2_seconds" json:"backoff_2_seconds"`
	Backoff3Seconds              int `yaml:"backoff_3_seconds" json:"backoff_3_seconds"`
	Backoff4Seconds              int `yaml:"backoff_4_seconds" json:"backoff_4_seconds"`
}

type UsersConfig struct {
	DefaultQuota int `yaml:"default_quota"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	config.ApplyEnv(os.LookupEnv)
	return &config, nil
}

// ApplyEnv fills secrets from the environment. Non-empty variables win over the file.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(dst *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&c.Webhook.Secret, "WEBHOOK_SECRET")
	set(&c.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	set(&c.Track17.APIKey, "TRACK17_API_KEY")
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Env, "APP_ENV")
}

// Public is the subset of settings safe to expose over HTTP.
func (c *Config) Public() map[string]any {
	return map[string]any{
		"env":      c.Env,
		"kafka":    map[string]any{"topic": c.Kafka.TrackingUpdatedTopicName, "consumer_group": c.Kafka.ConsumerGroup},
		"redis":    map[string]any{"enabled": c.Redis.Enabled()},
		"worker":   c.Worker,
		"fanout":   map[string]any{"mode": c.Webhook.FanoutMode, "concurrency": c.Webhook.FanoutConcurrency},
		"track17":  map[string]any{"base_url": c.Track17.BaseURL},
		"telegram": map[string]any{"mini_app_name": c.Telegram.MiniAppName},
	}
}
