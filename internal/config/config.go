// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvester/internal/normalize"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig              `mapstructure:"server"`
	Auth     AuthConfig                `mapstructure:"auth"`
	Logging  LoggingConfig             `mapstructure:"logging"`
	Proxy    ProxyConfig               `mapstructure:"proxy"`
	Rate     RateConfig                `mapstructure:"rate"`
	Retry    RetryConfig               `mapstructure:"retry"`
	Queue    QueueConfig               `mapstructure:"queue"`
	Redis    RedisConfig               `mapstructure:"redis"`
	Database DatabaseConfig            `mapstructure:"database"`
	Cache    CacheConfig               `mapstructure:"cache"`
	Fetcher  FetcherConfig             `mapstructure:"fetcher"`
	Storage  StorageConfig             `mapstructure:"storage"`
	PubSub   PubSubConfig              `mapstructure:"pubsub"`
	Metrics  MetricsConfig             `mapstructure:"metrics"`
	Sites    map[string]normalize.Site `mapstructure:"sites"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProxyConfig lists proxy endpoints and their health policy. No endpoints
// means direct connections.
type ProxyConfig struct {
	Endpoints       []string      `mapstructure:"endpoints"`
	HealthThreshold int           `mapstructure:"health_threshold"`
	CooldownPeriod  time.Duration `mapstructure:"cooldown_period"`
}

// RateConfig bounds the adaptive concurrency controller and per-host pacing.
type RateConfig struct {
	InitialLimit   int           `mapstructure:"initial_limit"`
	MinLimit       int           `mapstructure:"min_limit"`
	MaxLimit       int           `mapstructure:"max_limit"`
	HistoryWindow  time.Duration `mapstructure:"history_window"`
	AdjustInterval time.Duration `mapstructure:"adjust_interval"`
	DecreaseAbove  float64       `mapstructure:"decrease_above"`
	IncreaseBelow  float64       `mapstructure:"increase_below"`
	PerHostRPS     float64       `mapstructure:"per_host_rps"`
	PerHostBurst   int           `mapstructure:"per_host_burst"`
}

// RetryConfig bounds attempts per URL.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// QueueConfig selects the work queue and its supervision cadence.
type QueueConfig struct {
	Backend         string        `mapstructure:"backend"`
	Prefix          string        `mapstructure:"prefix"`
	Dedupe          bool          `mapstructure:"dedupe"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	StaleTimeout    time.Duration `mapstructure:"stale_timeout"`
	ReclaimInterval time.Duration `mapstructure:"reclaim_interval"`
}

// RedisConfig addresses the Redis server backing the queue and cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DatabaseConfig controls the Postgres product store. An empty DSN keeps
// products in memory.
type DatabaseConfig struct {
	DSN              string        `mapstructure:"dsn"`
	Table            string        `mapstructure:"table"`
	MaxConns         int32         `mapstructure:"max_conns"`
	MinConns         int32         `mapstructure:"min_conns"`
	ConnectAttempts  int           `mapstructure:"connect_attempts"`
	ConnectDelay     time.Duration `mapstructure:"connect_delay"`
	RefreshUnchanged bool          `mapstructure:"refresh_unchanged"`
}

// CacheConfig toggles the Redis product cache.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// FetcherConfig selects and tunes the fetcher.
type FetcherConfig struct {
	Kind           string            `mapstructure:"kind"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	Headers        map[string]string `mapstructure:"headers"`
	MaxBodySize    int               `mapstructure:"max_body_size"`
	CaptchaMarkers []string          `mapstructure:"captcha_markers"`
	Headless       HeadlessConfig    `mapstructure:"headless"`
}

// HeadlessConfig configures the chromedp fetcher.
type HeadlessConfig struct {
	MaxParallel int    `mapstructure:"max_parallel"`
	ExecPath    string `mapstructure:"exec_path"`
}

// StorageConfig selects the raw response archive.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for change event notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig tunes gauge sampling.
type MetricsConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	cfg.Proxy.Endpoints = splitEndpoints(cfg.Proxy.Endpoints)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("proxy.endpoints", []string{})
	v.SetDefault("proxy.health_threshold", 50)
	v.SetDefault("proxy.cooldown_period", 300*time.Second)
	v.SetDefault("rate.initial_limit", 5)
	v.SetDefault("rate.min_limit", 1)
	v.SetDefault("rate.max_limit", 50)
	v.SetDefault("rate.history_window", 60*time.Second)
	v.SetDefault("rate.adjust_interval", 10*time.Second)
	v.SetDefault("rate.decrease_above", 10.0)
	v.SetDefault("rate.increase_below", 2.0)
	v.SetDefault("rate.per_host_rps", 0.0)
	v.SetDefault("rate.per_host_burst", 1)
	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.base_delay", time.Second)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.prefix", "harvester")
	v.SetDefault("queue.dedupe", true)
	v.SetDefault("queue.poll_interval", 5*time.Second)
	v.SetDefault("queue.stale_timeout", 600*time.Second)
	v.SetDefault("queue.reclaim_interval", 300*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("database.table", "products")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.connect_attempts", 5)
	v.SetDefault("database.connect_delay", 5*time.Second)
	v.SetDefault("database.refresh_unchanged", true)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("fetcher.kind", "http")
	v.SetDefault("fetcher.timeout", 60*time.Second)
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("fetcher.headers", map[string]string{
		"Accept":          "application/json, text/html;q=0.9",
		"Accept-Language": "en-US,en;q=0.9",
	})
	v.SetDefault("fetcher.max_body_size", 10*1024*1024)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.dir", "data/raw")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("metrics.sample_interval", 15*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Proxy.HealthThreshold < 0 || c.Proxy.HealthThreshold > 100 {
		return fmt.Errorf("proxy.health_threshold must be within [0, 100]")
	}
	if c.Rate.MinLimit <= 0 {
		return fmt.Errorf("rate.min_limit must be > 0")
	}
	if c.Rate.MaxLimit < c.Rate.MinLimit {
		return fmt.Errorf("rate.max_limit must be >= rate.min_limit")
	}
	if c.Rate.InitialLimit < c.Rate.MinLimit || c.Rate.InitialLimit > c.Rate.MaxLimit {
		return fmt.Errorf("rate.initial_limit must be within [rate.min_limit, rate.max_limit]")
	}
	if c.Rate.IncreaseBelow > c.Rate.DecreaseAbove {
		return fmt.Errorf("rate.increase_below must be <= rate.decrease_above")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return fmt.Errorf("fetcher.timeout must be > 0")
	}
	switch c.Fetcher.Kind {
	case "http", "headless":
	default:
		return fmt.Errorf("fetcher.kind must be http or headless, got %q", c.Fetcher.Kind)
	}
	switch c.Queue.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("queue.backend must be memory or redis, got %q", c.Queue.Backend)
	}
	if c.Queue.StaleTimeout <= 0 || c.Queue.ReclaimInterval <= 0 {
		return fmt.Errorf("queue.stale_timeout and queue.reclaim_interval must be > 0")
	}
	if (c.Queue.Backend == "redis" || c.Cache.Enabled) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set for the redis queue or cache")
	}
	switch c.Storage.Backend {
	case "none", "memory", "local":
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	if c.Database.ConnectAttempts <= 0 {
		return fmt.Errorf("database.connect_attempts must be > 0")
	}
	return nil
}

// splitEndpoints accepts both list form and a comma-separated string (the
// only form an environment variable can carry).
func splitEndpoints(in []string) []string {
	var out []string
	for _, entry := range in {
		for _, part := range strings.Split(entry, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
