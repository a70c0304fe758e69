// Package queue implements the job queue: admission, claims, leases, and
// lifecycle arbitration over a JobStore.
package queue

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
)

// ErrQueueFull signals that admission is refused because too many jobs are
// already pending.
var ErrQueueFull = errors.New("job queue is full")

// Config controls queue behavior.
type Config struct {
	// MaxPending bounds admission; 0 means unbounded.
	MaxPending int `mapstructure:"max_pending"`
	// LeaseDuration is how long a claim remains valid without a heartbeat.
	LeaseDuration time.Duration `mapstructure:"lease_duration"`
	// Retention is how long terminal jobs are kept before Cleanup removes them.
	Retention time.Duration `mapstructure:"retention"`
}

func (c *Config) applyDefaults() {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 2 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Queue owns job lifecycle state. All status changes flow through it so the
// state machine and lease ownership are enforced in one place.
type Queue struct {
	cfg    Config
	jobs   store.JobStore
	ids    scraper.IDGenerator
	clock  scraper.Clock
	logger *zap.Logger
}

// New constructs a Queue.
func New(cfg Config, jobs store.JobStore, ids scraper.IDGenerator, clock scraper.Clock, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Queue{
		cfg:    cfg,
		jobs:   jobs,
		ids:    ids,
		clock:  clock,
		logger: logger,
	}
}

// Submission is a request to enqueue a new job.
type Submission struct {
	URL      string
	Config   *scraper.ScrapeConfig
	Priority int
}

// Submit validates and enqueues a new pending job.
func (q *Queue) Submit(ctx context.Context, sub Submission) (scraper.Job, error) {
	u, err := url.Parse(sub.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return scraper.Job{}, fmt.Errorf("invalid job url %q", sub.URL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return scraper.Job{}, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}

	cfg := scraper.DefaultScrapeConfig()
	if sub.Config != nil {
		cfg = *sub.Config
	}
	if err := cfg.Validate(); err != nil {
		return scraper.Job{}, fmt.Errorf("invalid job config: %w", err)
	}

	if q.cfg.MaxPending > 0 {
		counts, err := q.jobs.CountByStatus(ctx)
		if err != nil {
			return scraper.Job{}, fmt.Errorf("check queue depth: %w", err)
		}
		if counts[scraper.StatusPending] >= q.cfg.MaxPending {
			return scraper.Job{}, ErrQueueFull
		}
	}

	id, err := q.ids.NewID()
	if err != nil {
		return scraper.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	job := scraper.Job{
		ID:        id,
		URL:       sub.URL,
		Config:    cfg,
		Status:    scraper.StatusPending,
		Priority:  sub.Priority,
		CreatedAt: q.clock.Now(),
	}
	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return scraper.Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	q.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("url", job.URL),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// Get returns one job.
func (q *Queue) Get(ctx context.Context, id string) (scraper.Job, error) {
	return q.jobs.GetJob(ctx, id)
}

// Claim hands the next pending job to owner under a fresh lease.
func (q *Queue) Claim(ctx context.Context, owner string) (scraper.Job, error) {
	job, err := q.jobs.ClaimNext(ctx, owner, q.cfg.LeaseDuration)
	if err != nil {
		return scraper.Job{}, err
	}
	q.logger.Debug("job claimed",
		zap.String("job_id", job.ID),
		zap.String("owner", owner),
	)
	return job, nil
}

// Progress carries a worker's incremental progress report.
type Progress struct {
	Percent        float64
	TotalPages     *int
	PagesCompleted *int
	PagesFailed    *int
}

// Heartbeat renews owner's lease and optionally records progress. The job
// stays running.
func (q *Queue) Heartbeat(ctx context.Context, id, owner string, progress *Progress) (time.Time, error) {
	expires, err := q.jobs.ExtendLease(ctx, id, owner, q.cfg.LeaseDuration)
	if err != nil {
		return time.Time{}, err
	}
	if progress != nil {
		upd := store.StatusUpdate{
			From:           scraper.StatusRunning,
			To:             scraper.StatusRunning,
			Owner:          owner,
			Progress:       &progress.Percent,
			TotalPages:     progress.TotalPages,
			PagesCompleted: progress.PagesCompleted,
			PagesFailed:    progress.PagesFailed,
		}
		if _, err := q.jobs.UpdateStatus(ctx, id, upd); err != nil {
			return time.Time{}, err
		}
	}
	return expires, nil
}

// Complete marks owner's running job completed.
func (q *Queue) Complete(ctx context.Context, id, owner string, progress Progress) (scraper.Job, error) {
	done := 100.0
	if progress.Percent > 0 {
		done = progress.Percent
	}
	return q.jobs.UpdateStatus(ctx, id, store.StatusUpdate{
		From:           scraper.StatusRunning,
		To:             scraper.StatusCompleted,
		Owner:          owner,
		Progress:       &done,
		TotalPages:     progress.TotalPages,
		PagesCompleted: progress.PagesCompleted,
		PagesFailed:    progress.PagesFailed,
	})
}

// Fail marks owner's running job failed with a reason.
func (q *Queue) Fail(ctx context.Context, id, owner, reason string) (scraper.Job, error) {
	return q.jobs.UpdateStatus(ctx, id, store.StatusUpdate{
		From:      scraper.StatusRunning,
		To:        scraper.StatusFailed,
		Owner:     owner,
		ErrorText: reason,
	})
}

// Retry returns owner's running job to pending for another attempt. This is
// the requeue path for retryable fetch failures; the lease reaper uses the
// same transition for abandoned jobs.
func (q *Queue) Retry(ctx context.Context, id, owner string, attempt int) (scraper.Job, error) {
	return q.jobs.UpdateStatus(ctx, id, store.StatusUpdate{
		From:       scraper.StatusRunning,
		To:         scraper.StatusPending,
		Owner:      owner,
		RetryCount: &attempt,
	})
}

// Cancel terminates a pending or running job. Cancelling a running job takes
// effect immediately in the store; the owning worker discovers it at its next
// checkpoint when its own update loses the compare-and-set.
func (q *Queue) Cancel(ctx context.Context, id string) (scraper.Job, error) {
	for attempt := 0; attempt < 3; attempt++ {
		job, err := q.jobs.GetJob(ctx, id)
		if err != nil {
			return scraper.Job{}, err
		}
		if job.Status.Terminal() {
			return scraper.Job{}, &scraper.InvalidTransitionError{
				JobID: id, From: job.Status, To: scraper.StatusCancelled,
			}
		}
		cancelled, err := q.jobs.UpdateStatus(ctx, id, store.StatusUpdate{
			From:  job.Status,
			To:    scraper.StatusCancelled,
			Owner: job.LeaseOwner,
		})
		if err == nil {
			q.logger.Info("job cancelled", zap.String("job_id", id))
			return cancelled, nil
		}
		// The job moved under us (claimed, or another update won); reload
		// and try again against the fresh state.
		var invalid *scraper.InvalidTransitionError
		if errors.As(err, &invalid) || errors.Is(err, scraper.ErrAlreadyClaimed) {
			continue
		}
		return scraper.Job{}, err
	}
	return scraper.Job{}, fmt.Errorf("cancel job %s: too much contention", id)
}

// ListActive returns pending and running jobs in queue order: priority
// first, then submission time.
func (q *Queue) ListActive(ctx context.Context, limit, offset int) ([]scraper.Job, error) {
	return q.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: []scraper.JobStatus{scraper.StatusPending, scraper.StatusRunning},
		Order:    store.OrderQueue,
		Limit:    limit,
		Offset:   offset,
	})
}

// ListHistory returns terminal jobs, newest first. An empty statuses slice
// selects every terminal status; anything non-terminal is rejected.
func (q *Queue) ListHistory(ctx context.Context, statuses []scraper.JobStatus, limit, offset int) ([]scraper.Job, error) {
	if len(statuses) == 0 {
		statuses = []scraper.JobStatus{
			scraper.StatusCompleted, scraper.StatusFailed, scraper.StatusCancelled,
		}
	}
	for _, st := range statuses {
		if !st.Terminal() {
			return nil, fmt.Errorf("history status %q is not terminal", st)
		}
	}
	return q.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: statuses,
		Limit:    limit,
		Offset:   offset,
	})
}

// Stats summarizes queue contents.
func (q *Queue) Stats(ctx context.Context) (scraper.QueueStats, error) {
	counts, err := q.jobs.CountByStatus(ctx)
	if err != nil {
		return scraper.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	stats := scraper.QueueStats{StatusCounts: counts}
	for _, n := range counts {
		stats.TotalJobs += n
	}
	stats.ActiveLeases = counts[scraper.StatusRunning]
	return stats, nil
}

// Cleanup recovers expired leases and prunes old terminal jobs. Intended to
// run periodically.
func (q *Queue) Cleanup(ctx context.Context) error {
	reaped, err := q.jobs.ReapExpired(ctx)
	if err != nil {
		return fmt.Errorf("reap expired leases: %w", err)
	}
	if reaped > 0 {
		q.logger.Warn("expired leases recovered", zap.Int64("count", reaped))
	}
	cutoff := q.clock.Now().Add(-q.cfg.Retention)
	removed, err := q.jobs.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune terminal jobs: %w", err)
	}
	if removed > 0 {
		q.logger.Info("terminal jobs pruned", zap.Int64("count", removed))
	}
	return nil
}

// RunCleanup blocks, running Cleanup on the interval until ctx ends.
func (q *Queue) RunCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Cleanup(ctx); err != nil {
				q.logger.Error("queue cleanup failed", zap.Error(err))
			}
		}
	}
}
