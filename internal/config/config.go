// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mstanton/webharvester/internal/analyzer"
	"github.com/mstanton/webharvester/internal/api"
	"github.com/mstanton/webharvester/internal/blob/gcs"
	"github.com/mstanton/webharvester/internal/blob/local"
	"github.com/mstanton/webharvester/internal/clean"
	"github.com/mstanton/webharvester/internal/export"
	"github.com/mstanton/webharvester/internal/monitor"
	"github.com/mstanton/webharvester/internal/policy/ratelimit"
	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/store/postgres"
	"github.com/mstanton/webharvester/internal/worker"
)

// Store and blob driver names accepted in config.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverLocal    = "local"
	DriverGCS      = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
// Component sections reuse the components' own config types so the
// mapstructure tags live next to the code they tune.
type Config struct {
	Server    api.Config           `mapstructure:"server"`
	Logging   LoggingConfig        `mapstructure:"logging"`
	DB        DBConfig             `mapstructure:"db"`
	Queue     queue.Config         `mapstructure:"queue"`
	Worker    WorkerConfig         `mapstructure:"worker"`
	Retry     RetryConfig          `mapstructure:"retry"`
	Breaker   worker.BreakerConfig `mapstructure:"breaker"`
	Cleaner   CleanerConfig        `mapstructure:"cleaner"`
	Fetcher   FetcherConfig        `mapstructure:"fetcher"`
	Analyzer  analyzer.Config      `mapstructure:"analyzer"`
	RateLimit RateLimitConfig      `mapstructure:"ratelimit"`
	PubSub    PubSubConfig         `mapstructure:"pubsub"`
	Storage   StorageConfig        `mapstructure:"storage"`
	Export    export.Config        `mapstructure:"export"`
	Monitor   monitor.Config       `mapstructure:"monitor"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig selects and tunes the job store backend.
type DBConfig struct {
	// Driver is "memory" or "postgres".
	Driver string              `mapstructure:"driver"`
	Pool   postgres.PoolConfig `mapstructure:"pool"`
}

// WorkerConfig sizes the worker pool and its pipeline.
type WorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// Pipeline maps the worker section onto the worker's own config.
func (c WorkerConfig) Pipeline(pubsub PubSubConfig, storage StorageConfig) worker.Config {
	return worker.Config{
		PollInterval:      c.PollInterval,
		HeartbeatInterval: c.HeartbeatInterval,
		Topic:             pubsub.Topic,
		BlobPrefix:        storage.Prefix,
		ContentType:       storage.ContentType,
	}
}

// RetryConfig tunes the fetch retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CleanerConfig extends the cleaner's config with declarative custom rules.
type CleanerConfig struct {
	clean.Config `mapstructure:",squash"`
	// Rules are registered on top of the built-in rule set.
	Rules []clean.Rule `mapstructure:"rules"`
}

// FetcherConfig tunes the probe and headless fetch engines.
type FetcherConfig struct {
	UserAgent string         `mapstructure:"user_agent"`
	Timeout   time.Duration  `mapstructure:"timeout"`
	Headless  HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxParallel int           `mapstructure:"max_parallel"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout"`
}

// RateLimitConfig wraps the limiter config with an enable switch.
type RateLimitConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	ratelimit.Config `mapstructure:",squash"`
}

// PubSubConfig holds completion-event publishing settings. An empty project
// ID selects the in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// StorageConfig selects and tunes the raw-content blob store.
type StorageConfig struct {
	// Driver is "memory", "local", or "gcs".
	Driver      string       `mapstructure:"driver"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         gcs.Config   `mapstructure:"gcs"`
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

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("logging.development", true)
	v.SetDefault("db.driver", DriverMemory)
	v.SetDefault("queue.max_pending", 0)
	v.SetDefault("queue.lease_duration", "2m")
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.poll_interval", "1s")
	v.SetDefault("worker.heartbeat_interval", "20s")
	v.SetDefault("worker.cleanup_interval", "1m")
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.cooldown", "30s")
	v.SetDefault("fetcher.user_agent", "webharvester/1.0")
	v.SetDefault("fetcher.timeout", "15s")
	v.SetDefault("fetcher.headless.enabled", true)
	v.SetDefault("fetcher.headless.max_parallel", 2)
	v.SetDefault("fetcher.headless.nav_timeout", "25s")
	v.SetDefault("analyzer.model", "content-extract-v1")
	v.SetDefault("analyzer.timeout", "30s")
	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.default_rps", 1.0)
	v.SetDefault("ratelimit.default_burst", 1)
	v.SetDefault("pubsub.topic", "scrape-events")
	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("export.batch_size", 500)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be set")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	switch c.DB.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.DB.Pool.DSN == "" {
			return fmt.Errorf("db.pool.dsn must be set when db.driver is postgres")
		}
	default:
		return fmt.Errorf("db.driver must be %q or %q, got %q", DriverMemory, DriverPostgres, c.DB.Driver)
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverLocal:
		if c.Storage.Local.BaseDir == "" {
			return fmt.Errorf("storage.local.base_dir must be set when storage.driver is local")
		}
	case DriverGCS:
		if c.Storage.GCS.Bucket == "" {
			return fmt.Errorf("storage.gcs.bucket must be set when storage.driver is gcs")
		}
	default:
		return fmt.Errorf("storage.driver must be %q, %q, or %q, got %q",
			DriverMemory, DriverLocal, DriverGCS, c.Storage.Driver)
	}
	if c.Fetcher.Headless.Enabled && c.Fetcher.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetcher.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("ratelimit.default_rps must be >= 0")
	}
	return nil
}
