package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store/memory"
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

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	q := New(cfg, memory.New(clk), &seqIDs{}, clk, zap.NewNop())
	return q, clk
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Submit(ctx, Submission{URL: "not a url"}); err == nil {
		t.Fatal("expected error for malformed url")
	}
	if _, err := q.Submit(ctx, Submission{URL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}

	bad := scraper.DefaultScrapeConfig()
	bad.TimeoutSeconds = 1000
	if _, err := q.Submit(ctx, Submission{URL: "https://example.com", Config: &bad}); err == nil {
		t.Fatal("expected error for out-of-range config")
	}

	job, err := q.Submit(ctx, Submission{URL: "https://example.com", Priority: 3})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if job.Status != scraper.StatusPending || job.ID == "" {
		t.Fatalf("job = %+v", job)
	}
	if job.Config.TimeoutSeconds != scraper.DefaultScrapeConfig().TimeoutSeconds {
		t.Fatalf("defaults not applied: %+v", job.Config)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{MaxPending: 1})
	ctx := context.Background()

	if _, err := q.Submit(ctx, Submission{URL: "https://example.com/1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err := q.Submit(ctx, Submission{URL: "https://example.com/2"})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestClaimCompleteLifecycle(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	submitted, err := q.Submit(ctx, Submission{URL: "https://example.com"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.ID != submitted.ID || claimed.Status != scraper.StatusRunning {
		t.Fatalf("claimed = %+v", claimed)
	}

	total := 10
	doneN := 10
	done, err := q.Complete(ctx, claimed.ID, "w1", Progress{TotalPages: &total, PagesCompleted: &doneN})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if done.Status != scraper.StatusCompleted || done.Progress != 100.0 {
		t.Fatalf("done = %+v", done)
	}
	if done.TotalPages != 10 || done.PagesCompleted != 10 {
		t.Fatalf("counters = %+v", done)
	}
}

func TestHeartbeatRenewsAndReportsProgress(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, Config{LeaseDuration: time.Minute})
	ctx := context.Background()

	if _, err := q.Submit(ctx, Submission{URL: "https://example.com"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	clk.Advance(30 * time.Second)
	expires, err := q.Heartbeat(ctx, job.ID, "w1", &Progress{Percent: 40})
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if want := clk.Now().Add(time.Minute); !expires.Equal(want) {
		t.Fatalf("lease expires %v, want %v", expires, want)
	}

	got, err := q.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress != 40 || got.Status != scraper.StatusRunning {
		t.Fatalf("job = %+v", got)
	}

	if _, err := q.Heartbeat(ctx, job.ID, "w2", nil); !errors.Is(err, scraper.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed for wrong owner, got %v", err)
	}
}

func TestFailAndRetry(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	if _, err := q.Submit(ctx, Submission{URL: "https://example.com"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	requeued, err := q.Retry(ctx, job.ID, "w1", 1)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if requeued.Status != scraper.StatusPending || requeued.RetryCount != 1 {
		t.Fatalf("requeued = %+v", requeued)
	}
	if requeued.LeaseOwner != "" {
		t.Fatalf("lease survived requeue: %+v", requeued)
	}

	again, err := q.Claim(ctx, "w2")
	if err != nil {
		t.Fatalf("Claim after retry: %v", err)
	}
	failed, err := q.Fail(ctx, again.ID, "w2", "fetch exhausted retries")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != scraper.StatusFailed || failed.ErrorText == "" {
		t.Fatalf("failed = %+v", failed)
	}
}

func TestCancelPendingAndRunning(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	pending, err := q.Submit(ctx, Submission{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cancelled, err := q.Cancel(ctx, pending.ID)
	if err != nil {
		t.Fatalf("Cancel pending: %v", err)
	}
	if cancelled.Status != scraper.StatusCancelled {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	running, err := q.Submit(ctx, Submission{URL: "https://example.com/b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	cancelled, err = q.Cancel(ctx, running.ID)
	if err != nil {
		t.Fatalf("Cancel running: %v", err)
	}
	if cancelled.Status != scraper.StatusCancelled {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	// The worker's completion now loses the compare-and-set.
	_, err = q.Complete(ctx, running.ID, "w1", Progress{})
	var invalid *scraper.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError after cancel, got %v", err)
	}

	// Terminal jobs cannot be cancelled again.
	if _, err := q.Cancel(ctx, running.ID); !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for terminal job, got %v", err)
	}
}

func TestStatsAndListings(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, Submission{URL: "https://example.com/page"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	job, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Complete(ctx, job.ID, "w1", Progress{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalJobs != 3 || stats.StatusCounts[scraper.StatusPending] != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	active, err := q.ListActive(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d jobs", len(active))
	}

	history, err := q.ListHistory(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(history) != 1 || history[0].ID != job.ID {
		t.Fatalf("history = %+v", history)
	}
}

func TestListActiveQueueOrder(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, Config{})
	ctx := context.Background()

	bulk, err := q.Submit(ctx, Submission{URL: "https://example.com/bulk", Priority: 8})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clk.Advance(time.Second)
	urgent, err := q.Submit(ctx, Submission{URL: "https://example.com/urgent", Priority: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	clk.Advance(time.Second)
	urgentLater, err := q.Submit(ctx, Submission{URL: "https://example.com/urgent-2", Priority: 1})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	active, err := q.ListActive(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	want := []string{urgent.ID, urgentLater.ID, bulk.ID}
	if len(active) != len(want) {
		t.Fatalf("active = %d jobs, want %d", len(active), len(want))
	}
	for i, id := range want {
		if active[i].ID != id {
			t.Fatalf("active[%d] = %s, want %s", i, active[i].ID, id)
		}
	}
}

func TestListHistoryStatusFilter(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Submit(ctx, Submission{URL: "https://example.com/page"}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	done, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Complete(ctx, done.ID, "w1", Progress{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	broken, err := q.Claim(ctx, "w1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if _, err := q.Fail(ctx, broken.ID, "w1", "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	failed, err := q.ListHistory(ctx, []scraper.JobStatus{scraper.StatusFailed}, 0, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != broken.ID {
		t.Fatalf("failed history = %+v", failed)
	}

	all, err := q.ListHistory(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("history = %d jobs, want 2", len(all))
	}

	if _, err := q.ListHistory(ctx, []scraper.JobStatus{scraper.StatusRunning}, 0, 0); err == nil {
		t.Fatal("expected error for non-terminal history status")
	}
}

func TestCleanupReapsAndPrunes(t *testing.T) {
	t.Parallel()

	q, clk := newTestQueue(t, Config{LeaseDuration: time.Minute, Retention: time.Hour})
	ctx := context.Background()

	abandoned, err := q.Submit(ctx, Submission{URL: "https://example.com/a"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Claim(ctx, "w1"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	old, err := q.Submit(ctx, Submission{URL: "https://example.com/b"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := q.Cancel(ctx, old.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	clk.Advance(2 * time.Hour)
	if err := q.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}

	got, err := q.Get(ctx, abandoned.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scraper.StatusPending || got.RetryCount != 1 {
		t.Fatalf("abandoned job not recovered: %+v", got)
	}

	if _, err := q.Get(ctx, old.ID); !errors.Is(err, scraper.ErrNotFound) {
		t.Fatalf("old terminal job should be pruned, got %v", err)
	}
}
