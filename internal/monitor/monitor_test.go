package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
	"github.com/mstanton/webharvester/internal/store/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

type fakePool struct{ n int }

func (p *fakePool) Workers() int { return p.n }

type fakeBreakers struct{ open []string }

func (b *fakeBreakers) OpenDomains() []string { return b.open }

func newFixture(t *testing.T) (*fakeClock, *memory.Store) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	return clock, memory.New(clock)
}

func seedJob(t *testing.T, jobs store.JobStore, clock *fakeClock, id string, status scraper.JobStatus) {
	t.Helper()
	ctx := context.Background()
	job := scraper.Job{
		ID:        id,
		URL:       "https://example.com/" + id,
		Status:    scraper.StatusPending,
		Config:    scraper.DefaultScrapeConfig(),
		CreatedAt: clock.Now(),
	}
	if err := jobs.CreateJob(ctx, job); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if status == scraper.StatusPending {
		return
	}
	if _, err := jobs.UpdateStatus(ctx, id, store.StatusUpdate{
		From: scraper.StatusPending, To: scraper.StatusRunning, Owner: "w1",
	}); err != nil {
		t.Fatalf("run %s: %v", id, err)
	}
	if status == scraper.StatusRunning {
		return
	}
	if _, err := jobs.UpdateStatus(ctx, id, store.StatusUpdate{
		From: scraper.StatusRunning, To: status, Owner: "w1",
	}); err != nil {
		t.Fatalf("finish %s: %v", id, err)
	}
}

func TestProgressETA(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, nil, nil, clock, nil)
	ctx := context.Background()

	seedJob(t, jobs, clock, "job-1", scraper.StatusRunning)
	clock.Advance(40 * time.Second)
	pct := 40.0
	total, done := 10, 4
	if _, err := jobs.UpdateStatus(ctx, "job-1", store.StatusUpdate{
		From: scraper.StatusRunning, To: scraper.StatusRunning, Owner: "w1",
		Progress: &pct, TotalPages: &total, PagesCompleted: &done,
	}); err != nil {
		t.Fatalf("progress update: %v", err)
	}

	p, err := m.Progress(ctx, "job-1")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Progress != 40 || p.PagesCompleted != 4 || p.TotalPages != 10 {
		t.Fatalf("unexpected progress view: %+v", p)
	}
	if p.Elapsed != 40 {
		t.Fatalf("elapsed = %v, want 40s", p.Elapsed)
	}
	// 40s for 40% extrapolates to 60s remaining.
	if p.ETASeconds == nil || *p.ETASeconds != 60 {
		t.Fatalf("eta = %v, want 60", p.ETASeconds)
	}
}

func TestProgressNoETAWhenPendingOrDone(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, nil, nil, clock, nil)
	ctx := context.Background()

	seedJob(t, jobs, clock, "job-pending", scraper.StatusPending)
	p, err := m.Progress(ctx, "job-pending")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ETASeconds != nil || p.Elapsed != 0 {
		t.Fatalf("pending job should have no timing, got %+v", p)
	}

	seedJob(t, jobs, clock, "job-done", scraper.StatusCompleted)
	p, err = m.Progress(ctx, "job-done")
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.ETASeconds != nil {
		t.Fatalf("completed job should have no ETA, got %v", *p.ETASeconds)
	}
}

func TestProgressUnknownJob(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, nil, nil, clock, nil)
	if _, err := m.Progress(context.Background(), "nope"); err != scraper.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCheckHealthThresholds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		completed int
		failed    int
		want      HealthStatus
	}{
		{"all good", 10, 0, Healthy},
		{"quarter failed", 6, 2, Degraded},
		{"mostly failed", 2, 8, Unhealthy},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock, jobs := newFixture(t)
			m := New(Config{}, jobs, &fakePool{n: 2}, nil, clock, nil)
			for i := 0; i < tc.completed; i++ {
				seedJob(t, jobs, clock, fmt.Sprintf("ok-%02d", i), scraper.StatusCompleted)
			}
			for i := 0; i < tc.failed; i++ {
				seedJob(t, jobs, clock, fmt.Sprintf("bad-%02d", i), scraper.StatusFailed)
			}
			h, err := m.CheckHealth(context.Background())
			if err != nil {
				t.Fatalf("health: %v", err)
			}
			if h.Status != tc.want {
				t.Fatalf("status = %s, want %s (rate %.2f)", h.Status, tc.want, h.ErrorRate)
			}
		})
	}
}

func TestCheckHealthNoWorkers(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, &fakePool{n: 0}, nil, clock, nil)
	seedJob(t, jobs, clock, "job-1", scraper.StatusCompleted)
	h, err := m.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != Degraded {
		t.Fatalf("status = %s, want degraded with zero workers", h.Status)
	}
}

func TestCheckHealthOpenCircuits(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, &fakePool{n: 1}, &fakeBreakers{open: []string{"example.com"}}, clock, nil)
	h, err := m.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != Degraded {
		t.Fatalf("status = %s, want degraded with open circuit", h.Status)
	}
	if len(h.OpenCircuits) != 1 || h.OpenCircuits[0] != "example.com" {
		t.Fatalf("open circuits = %v", h.OpenCircuits)
	}
}

func TestCheckHealthEmptyHistory(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, &fakePool{n: 3}, nil, clock, nil)
	h, err := m.CheckHealth(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.Status != Healthy || h.ErrorRate != 0 {
		t.Fatalf("empty system should be healthy, got %+v", h)
	}
}

func TestHistorySummary(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, nil, nil, clock, nil)

	seedJob(t, jobs, clock, "job-a", scraper.StatusRunning)
	clock.Advance(10 * time.Second)
	if _, err := jobs.UpdateStatus(context.Background(), "job-a", store.StatusUpdate{
		From: scraper.StatusRunning, To: scraper.StatusCompleted, Owner: "w1",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	seedJob(t, jobs, clock, "job-b", scraper.StatusRunning)
	clock.Advance(30 * time.Second)
	if _, err := jobs.UpdateStatus(context.Background(), "job-b", store.StatusUpdate{
		From: scraper.StatusRunning, To: scraper.StatusFailed, Owner: "w1", ErrorText: "boom",
	}); err != nil {
		t.Fatalf("fail: %v", err)
	}
	seedJob(t, jobs, clock, "job-c", scraper.StatusRunning)

	s, err := m.History(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(s.Jobs) != 2 {
		t.Fatalf("history jobs = %d, want 2 (running job excluded)", len(s.Jobs))
	}
	if s.Completed != 1 || s.Failed != 1 || s.Cancelled != 0 {
		t.Fatalf("summary counts = %+v", s)
	}
	if s.AvgDurationSecs != 20 {
		t.Fatalf("avg duration = %v, want 20", s.AvgDurationSecs)
	}
}

func TestTimelineBucketsByHour(t *testing.T) {
	t.Parallel()
	clock, jobs := newFixture(t)
	m := New(Config{}, jobs, nil, nil, clock, nil)

	// Two jobs finishing in the first hour, one failing in the second.
	seedJob(t, jobs, clock, "job-1", scraper.StatusCompleted)
	seedJob(t, jobs, clock, "job-2", scraper.StatusCompleted)
	clock.Advance(time.Hour)
	seedJob(t, jobs, clock, "job-3", scraper.StatusFailed)
	clock.Advance(10 * time.Minute)

	buckets, err := m.Timeline(context.Background(), 24)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(buckets) != 2 {
		t.Fatalf("buckets = %d, want 2", len(buckets))
	}
	// Newest first.
	if buckets[0].Processed != 1 || buckets[0].Failed != 1 || buckets[0].SuccessRate != 0 {
		t.Fatalf("newest bucket = %+v", buckets[0])
	}
	if buckets[1].Processed != 2 || buckets[1].Failed != 0 || buckets[1].SuccessRate != 1 {
		t.Fatalf("older bucket = %+v", buckets[1])
	}
}
