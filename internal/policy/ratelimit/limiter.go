// Package ratelimit implements a token bucket limiter for per-domain request
// pacing.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mstanton/webharvester/internal/metrics"
)

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS is the per-domain request rate; <= 0 disables limiting.
	DefaultRPS float64 `mapstructure:"default_rps"`
	// DefaultBurst is the token bucket size per domain.
	DefaultBurst int `mapstructure:"default_burst"`
}

// Limiter paces requests per domain. A job's delay_between_requests may slow
// a domain below the default rate but never speed it up.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	metrics.Init()
	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
	}
}

// Wait blocks until a token is available for the URL's domain, respecting the
// context. delaySeconds is the job's requested gap between requests.
func (l *Limiter) Wait(ctx context.Context, rawURL string, delaySeconds float64) error {
	domain := domainOf(rawURL)
	start := time.Now()
	if err := l.limiterFor(domain, delaySeconds).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > 0 {
		metrics.ObserveRateLimitDelay(domain, waited)
	}
	return nil
}

func domainOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "unknown"
}

func (l *Limiter) limiterFor(domain string, delaySeconds float64) *rate.Limiter {

	wanted := l.defaultRate
	if delaySeconds > 0 {
		if jobRate := rate.Limit(1 / delaySeconds); jobRate < wanted {
			wanted = jobRate
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[domain]
	if !ok {
		limiter = rate.NewLimiter(wanted, l.defaultBurst)
		l.limiters[domain] = limiter
	} else if wanted < limiter.Limit() {
		limiter.SetLimit(wanted)
	}
	return limiter
}
