package worker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

// breakerState is the classic three-state circuit.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig controls per-domain circuit breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// Cooldown is the initial open interval; it doubles on each re-open up
	// to MaxCooldown.
	Cooldown    time.Duration `mapstructure:"cooldown"`
	MaxCooldown time.Duration `mapstructure:"max_cooldown"`
	// HalfOpenProbes successful probes close the circuit again.
	HalfOpenProbes int `mapstructure:"half_open_probes"`
}

func (c *BreakerConfig) applyDefaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 10 * time.Minute
	}
	if c.HalfOpenProbes <= 0 {
		c.HalfOpenProbes = 2
	}
}

type breaker struct {
	state     breakerState
	failures  int
	successes int
	cooldown  time.Duration
	openedAt  time.Time
}

// BreakerRegistry tracks one circuit per domain. A tripped domain stops
// receiving fetches until its cooldown lapses; other domains are unaffected.
type BreakerRegistry struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*breaker
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewBreakerRegistry constructs a registry.
func NewBreakerRegistry(cfg BreakerConfig, clock scraper.Clock, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &BreakerRegistry{
		cfg:      cfg,
		breakers: make(map[string]*breaker),
		clock:    clock,
		logger:   logger,
	}
}

// Allow reports whether a fetch against domain may proceed. When the circuit
// is open it returns a CircuitOpenError carrying the remaining cooldown; an
// expired cooldown moves the circuit to half-open and lets one probe through.
func (r *BreakerRegistry) Allow(domain string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(domain)
	if b.state != breakerOpen {
		return nil
	}
	elapsed := r.clock.Now().Sub(b.openedAt)
	if elapsed < b.cooldown {
		return &scraper.CircuitOpenError{Domain: domain, RetryAfter: b.cooldown - elapsed}
	}
	b.state = breakerHalfOpen
	b.successes = 0
	r.logger.Info("circuit half-open", zap.String("domain", domain))
	return nil
}

// Success records a successful fetch for domain.
func (r *BreakerRegistry) Success(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(domain)
	switch b.state {
	case breakerHalfOpen:
		b.successes++
		if b.successes >= r.cfg.HalfOpenProbes {
			b.state = breakerClosed
			b.failures = 0
			b.cooldown = r.cfg.Cooldown
			r.logger.Info("circuit closed", zap.String("domain", domain))
		}
	case breakerClosed:
		b.failures = 0
	}
}

// Failure records a failed fetch for domain, possibly tripping the circuit.
func (r *BreakerRegistry) Failure(domain string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.get(domain)
	switch b.state {
	case breakerHalfOpen:
		// The probe failed; reopen with a longer cooldown.
		r.open(domain, b, b.cooldown*2)
	case breakerClosed:
		b.failures++
		if b.failures >= r.cfg.FailureThreshold {
			r.open(domain, b, b.cooldown)
		}
	}
}

// State reports the current state for domain, for the health endpoint.
func (r *BreakerRegistry) State(domain string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(domain).state.String()
}

// OpenDomains lists domains whose circuit is currently open.
func (r *BreakerRegistry) OpenDomains() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for domain, b := range r.breakers {
		if b.state == breakerOpen {
			out = append(out, domain)
		}
	}
	return out
}

func (r *BreakerRegistry) get(domain string) *breaker {
	b, ok := r.breakers[domain]
	if !ok {
		b = &breaker{state: breakerClosed, cooldown: r.cfg.Cooldown}
		r.breakers[domain] = b
	}
	return b
}

func (r *BreakerRegistry) open(domain string, b *breaker, cooldown time.Duration) {
	if cooldown > r.cfg.MaxCooldown {
		cooldown = r.cfg.MaxCooldown
	}
	b.state = breakerOpen
	b.cooldown = cooldown
	b.openedAt = r.clock.Now()
	b.failures = 0
	r.logger.Warn("circuit opened",
		zap.String("domain", domain),
		zap.Duration("cooldown", cooldown),
	)
}
