// Package analyzer turns fetched page content into structured fields. The
// primary implementation calls a remote analysis API; a goquery extractor
// serves as the local fallback when no endpoint is configured or the remote
// call fails.
package analyzer

import (
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

// Config selects and tunes the analyzer implementation.
type Config struct {
	// Endpoint is the remote analysis API URL; empty selects the local
	// goquery extractor.
	Endpoint string `mapstructure:"endpoint"`
	// APIKey is sent as a bearer token when set.
	APIKey string `mapstructure:"api_key"`
	// Model is forwarded to the remote API.
	Model string `mapstructure:"model"`
	// Timeout bounds one remote call.
	Timeout time.Duration `mapstructure:"timeout"`
	// DisableFallback turns off local extraction after remote failures.
	DisableFallback bool `mapstructure:"disable_fallback"`
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Model == "" {
		c.Model = "content-extract-v1"
	}
}

// New builds the analyzer selected by cfg.
func New(cfg Config, clock scraper.Clock, logger *zap.Logger) scraper.ContentAnalyzer {
	if cfg.Endpoint == "" {
		return NewFallback()
	}
	return NewRemote(cfg, clock, logger)
}
