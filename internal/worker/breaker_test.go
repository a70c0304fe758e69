package worker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
	}, clk, zap.NewNop())

	for i := 0; i < 2; i++ {
		reg.Failure("example.com")
		require.NoError(t, reg.Allow("example.com"))
	}
	reg.Failure("example.com")

	err := reg.Allow("example.com")
	var open *scraper.CircuitOpenError
	require.True(t, errors.As(err, &open))
	require.Equal(t, "example.com", open.Domain)
	require.Equal(t, 30*time.Second, open.RetryAfter)

	// Other domains are unaffected.
	require.NoError(t, reg.Allow("other.com"))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute}, clk, zap.NewNop())

	reg.Failure("example.com")
	reg.Success("example.com")
	reg.Failure("example.com")
	require.NoError(t, reg.Allow("example.com"), "non-consecutive failures must not trip")
}

func TestBreakerHalfOpenCloseAndReopen(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         30 * time.Second,
		HalfOpenProbes:   1,
	}, clk, zap.NewNop())

	reg.Failure("example.com")
	require.Error(t, reg.Allow("example.com"))

	// Cooldown lapses, one probe is allowed.
	clk.Advance(31 * time.Second)
	require.NoError(t, reg.Allow("example.com"))
	require.Equal(t, "half-open", reg.State("example.com"))

	// Probe fails: reopen with doubled cooldown.
	reg.Failure("example.com")
	err := reg.Allow("example.com")
	var open *scraper.CircuitOpenError
	require.True(t, errors.As(err, &open))
	require.Equal(t, time.Minute, open.RetryAfter)

	// Next cooldown lapses and the probe succeeds: circuit closes.
	clk.Advance(61 * time.Second)
	require.NoError(t, reg.Allow("example.com"))
	reg.Success("example.com")
	require.Equal(t, "closed", reg.State("example.com"))
	require.Empty(t, reg.OpenDomains())
}

func TestBreakerCooldownCapped(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	reg := NewBreakerRegistry(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		MaxCooldown:      90 * time.Second,
		HalfOpenProbes:   1,
	}, clk, zap.NewNop())

	reg.Failure("example.com")
	for i := 0; i < 3; i++ {
		clk.Advance(2 * time.Minute)
		require.NoError(t, reg.Allow("example.com"))
		reg.Failure("example.com")
	}

	err := reg.Allow("example.com")
	var open *scraper.CircuitOpenError
	require.True(t, errors.As(err, &open))
	require.LessOrEqual(t, open.RetryAfter, 90*time.Second)
}
