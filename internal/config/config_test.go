package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.DB.Driver != DriverMemory {
		t.Errorf("DB.Driver = %q, want %q", cfg.DB.Driver, DriverMemory)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Worker.Concurrency = %d, want 4", cfg.Worker.Concurrency)
	}
	if cfg.Worker.HeartbeatInterval != 20*time.Second {
		t.Errorf("Worker.HeartbeatInterval = %v, want 20s", cfg.Worker.HeartbeatInterval)
	}
	if cfg.Queue.LeaseDuration != 2*time.Minute {
		t.Errorf("Queue.LeaseDuration = %v, want 2m", cfg.Queue.LeaseDuration)
	}
	if !cfg.Fetcher.Headless.Enabled {
		t.Error("Fetcher.Headless.Enabled = false, want true")
	}
	if !cfg.RateLimit.Enabled {
		t.Error("RateLimit.Enabled = false, want true")
	}
	if cfg.RateLimit.DefaultRPS != 1.0 {
		t.Errorf("RateLimit.DefaultRPS = %v, want 1.0", cfg.RateLimit.DefaultRPS)
	}
	if cfg.Storage.Driver != DriverMemory {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, DriverMemory)
	}
	if cfg.PubSub.Topic != "scrape-events" {
		t.Errorf("PubSub.Topic = %q, want scrape-events", cfg.PubSub.Topic)
	}
	if cfg.Export.BatchSize != 500 {
		t.Errorf("Export.BatchSize = %d, want 500", cfg.Export.BatchSize)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfigFile(t, `
server:
  addr: ":9090"
  api_key: "secret"
db:
  driver: postgres
  pool:
    dsn: "postgres://crawler@localhost/harvester"
    max_conns: 10
queue:
  max_pending: 200
  lease_duration: 5m
worker:
  concurrency: 8
  poll_interval: 250ms
breaker:
  failure_threshold: 3
  cooldown: 10s
fetcher:
  user_agent: "harvester-test/2.0"
  headless:
    enabled: false
analyzer:
  endpoint: "https://analyzer.internal/v1"
  model: "content-extract-v2"
ratelimit:
  default_rps: 0.5
storage:
  driver: local
  prefix: raw
  local:
    base_dir: /tmp/harvester
export:
  dir: /tmp/exports
  batch_size: 50
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Server.Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.APIKey != "secret" {
		t.Errorf("Server.APIKey = %q, want secret", cfg.Server.APIKey)
	}
	if cfg.DB.Driver != DriverPostgres {
		t.Errorf("DB.Driver = %q, want postgres", cfg.DB.Driver)
	}
	if cfg.DB.Pool.DSN != "postgres://crawler@localhost/harvester" {
		t.Errorf("DB.Pool.DSN = %q", cfg.DB.Pool.DSN)
	}
	if cfg.DB.Pool.MaxConns != 10 {
		t.Errorf("DB.Pool.MaxConns = %d, want 10", cfg.DB.Pool.MaxConns)
	}
	if cfg.Queue.MaxPending != 200 {
		t.Errorf("Queue.MaxPending = %d, want 200", cfg.Queue.MaxPending)
	}
	if cfg.Queue.LeaseDuration != 5*time.Minute {
		t.Errorf("Queue.LeaseDuration = %v, want 5m", cfg.Queue.LeaseDuration)
	}
	if cfg.Worker.Concurrency != 8 {
		t.Errorf("Worker.Concurrency = %d, want 8", cfg.Worker.Concurrency)
	}
	if cfg.Worker.PollInterval != 250*time.Millisecond {
		t.Errorf("Worker.PollInterval = %v, want 250ms", cfg.Worker.PollInterval)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Breaker.FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
	if cfg.Fetcher.UserAgent != "harvester-test/2.0" {
		t.Errorf("Fetcher.UserAgent = %q", cfg.Fetcher.UserAgent)
	}
	if cfg.Fetcher.Headless.Enabled {
		t.Error("Fetcher.Headless.Enabled = true, want false")
	}
	if cfg.Analyzer.Model != "content-extract-v2" {
		t.Errorf("Analyzer.Model = %q", cfg.Analyzer.Model)
	}
	if cfg.RateLimit.DefaultRPS != 0.5 {
		t.Errorf("RateLimit.DefaultRPS = %v, want 0.5", cfg.RateLimit.DefaultRPS)
	}
	if cfg.Storage.Driver != DriverLocal {
		t.Errorf("Storage.Driver = %q, want local", cfg.Storage.Driver)
	}
	if cfg.Storage.Local.BaseDir != "/tmp/harvester" {
		t.Errorf("Storage.Local.BaseDir = %q", cfg.Storage.Local.BaseDir)
	}
	if cfg.Export.BatchSize != 50 {
		t.Errorf("Export.BatchSize = %d, want 50", cfg.Export.BatchSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestWorkerPipelineMapping(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	pipe := cfg.Worker.Pipeline(cfg.PubSub, cfg.Storage)
	if pipe.Topic != "scrape-events" {
		t.Errorf("Topic = %q, want scrape-events", pipe.Topic)
	}
	if pipe.BlobPrefix != "pages" {
		t.Errorf("BlobPrefix = %q, want pages", pipe.BlobPrefix)
	}
	if pipe.HeartbeatInterval != 20*time.Second {
		t.Errorf("HeartbeatInterval = %v, want 20s", pipe.HeartbeatInterval)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing server addr", func(c *Config) { c.Server.Addr = "" }},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"unknown db driver", func(c *Config) { c.DB.Driver = "oracle" }},
		{"postgres without dsn", func(c *Config) { c.DB.Driver = DriverPostgres }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "s3" }},
		{"local storage without base dir", func(c *Config) { c.Storage.Driver = DriverLocal }},
		{"gcs storage without bucket", func(c *Config) { c.Storage.Driver = DriverGCS }},
		{"headless without parallelism", func(c *Config) { c.Fetcher.Headless.MaxParallel = 0 }},
		{"negative rate limit", func(c *Config) { c.RateLimit.DefaultRPS = -1 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := valid()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
