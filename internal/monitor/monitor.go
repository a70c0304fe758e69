// Package monitor reports pipeline progress, health, and scrape history.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
)

// HealthStatus is the coarse pipeline condition reported to operators.
type HealthStatus string

// Health statuses, ordered by severity.
const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Config tunes health evaluation.
type Config struct {
	// HistoryWindow is how many recent terminal jobs feed the error rate.
	HistoryWindow int `mapstructure:"history_window"`
	// DegradedErrorRate and UnhealthyErrorRate are failure-ratio thresholds
	// over the history window.
	DegradedErrorRate  float64 `mapstructure:"degraded_error_rate"`
	UnhealthyErrorRate float64 `mapstructure:"unhealthy_error_rate"`
}

func (c *Config) applyDefaults() {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 50
	}
	if c.DegradedErrorRate <= 0 {
		c.DegradedErrorRate = 0.2
	}
	if c.UnhealthyErrorRate <= 0 {
		c.UnhealthyErrorRate = 0.5
	}
}

// WorkerPool reports the size of the running worker pool.
type WorkerPool interface {
	Workers() int
}

// BreakerView exposes tripped domains for the health report.
type BreakerView interface {
	OpenDomains() []string
}

// Monitor derives progress, health, and history views from the job store.
type Monitor struct {
	cfg      Config
	jobs     store.JobStore
	pool     WorkerPool
	breakers BreakerView
	clock    scraper.Clock
	logger   *zap.Logger
}

// New constructs a Monitor. pool and breakers may be nil when the API runs
// without an embedded worker pool.
func New(cfg Config, jobs store.JobStore, pool WorkerPool, breakers BreakerView, clock scraper.Clock, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Monitor{
		cfg:      cfg,
		jobs:     jobs,
		pool:     pool,
		breakers: breakers,
		clock:    clock,
		logger:   logger,
	}
}

// JobProgress is the per-job progress view, including an ETA estimate once
// the job has made measurable progress.
type JobProgress struct {
	JobID          string            `json:"job_id"`
	Status         scraper.JobStatus `json:"status"`
	Progress       float64           `json:"progress_percentage"`
	TotalPages     int               `json:"total_pages"`
	PagesCompleted int               `json:"pages_completed"`
	PagesFailed    int               `json:"pages_failed"`
	Elapsed        float64           `json:"elapsed_seconds"`
	ETASeconds     *float64          `json:"eta_seconds,omitempty"`
	ErrorText      string            `json:"error_message,omitempty"`
}

// Progress reports one job's progress.
func (m *Monitor) Progress(ctx context.Context, jobID string) (JobProgress, error) {
	job, err := m.jobs.GetJob(ctx, jobID)
	if err != nil {
		return JobProgress{}, err
	}
	p := JobProgress{
		JobID:          job.ID,
		Status:         job.Status,
		Progress:       job.Progress,
		TotalPages:     job.TotalPages,
		PagesCompleted: job.PagesCompleted,
		PagesFailed:    job.PagesFailed,
		ErrorText:      job.ErrorText,
	}
	if job.StartedAt == nil {
		return p, nil
	}
	end := m.clock.Now()
	if job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	elapsed := end.Sub(*job.StartedAt)
	p.Elapsed = elapsed.Seconds()

	// The ETA extrapolates the observed pace; it needs real progress and a
	// still-running job to be meaningful.
	if job.Status == scraper.StatusRunning && job.Progress > 0 && job.Progress < 100 {
		eta := elapsed.Seconds() * (100 - job.Progress) / job.Progress
		p.ETASeconds = &eta
	}
	return p, nil
}

// Health is the aggregate pipeline health report.
type Health struct {
	Status        HealthStatus      `json:"status"`
	Workers       int               `json:"active_workers"`
	QueueDepth    int               `json:"queue_depth"`
	RunningJobs   int               `json:"running_jobs"`
	ErrorRate     float64           `json:"error_rate"`
	OpenCircuits  []string          `json:"open_circuits,omitempty"`
	StatusCounts  map[scraper.JobStatus]int `json:"status_counts"`
	Notes         []string          `json:"notes,omitempty"`
	EvaluatedAt   time.Time         `json:"evaluated_at"`
}

// CheckHealth evaluates pipeline health: worker availability first, then the
// failure rate over recent terminal jobs.
func (m *Monitor) CheckHealth(ctx context.Context) (Health, error) {
	counts, err := m.jobs.CountByStatus(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("health counts: %w", err)
	}
	h := Health{
		Status:       Healthy,
		QueueDepth:   counts[scraper.StatusPending],
		RunningJobs:  counts[scraper.StatusRunning],
		StatusCounts: counts,
		EvaluatedAt:  m.clock.Now(),
	}
	if m.pool != nil {
		h.Workers = m.pool.Workers()
	}
	if m.breakers != nil {
		h.OpenCircuits = m.breakers.OpenDomains()
	}

	rate, sampled, err := m.recentErrorRate(ctx)
	if err != nil {
		return Health{}, err
	}
	h.ErrorRate = rate

	switch {
	case rate > m.cfg.UnhealthyErrorRate && sampled > 0:
		h.Status = Unhealthy
		h.Notes = append(h.Notes, fmt.Sprintf("error rate %.0f%% over last %d jobs", rate*100, sampled))
	case rate > m.cfg.DegradedErrorRate && sampled > 0:
		h.Status = Degraded
		h.Notes = append(h.Notes, fmt.Sprintf("error rate %.0f%% over last %d jobs", rate*100, sampled))
	}
	if m.pool != nil && h.Workers == 0 && h.Status == Healthy {
		h.Status = Degraded
		h.Notes = append(h.Notes, "no active workers")
	}
	if len(h.OpenCircuits) > 0 && h.Status == Healthy {
		h.Status = Degraded
		h.Notes = append(h.Notes, fmt.Sprintf("%d domain circuit(s) open", len(h.OpenCircuits)))
	}
	return h, nil
}

// recentErrorRate is failed / (completed + failed) over the history window.
// Cancellations are operator actions, not failures.
func (m *Monitor) recentErrorRate(ctx context.Context) (float64, int, error) {
	recent, err := m.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: []scraper.JobStatus{scraper.StatusCompleted, scraper.StatusFailed},
		Limit:    m.cfg.HistoryWindow,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("health history: %w", err)
	}
	if len(recent) == 0 {
		return 0, 0, nil
	}
	failed := 0
	for _, job := range recent {
		if job.Status == scraper.StatusFailed {
			failed++
		}
	}
	return float64(failed) / float64(len(recent)), len(recent), nil
}

// HistorySummary aggregates recent terminal jobs for the dashboard.
type HistorySummary struct {
	Jobs            []scraper.Job `json:"jobs"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	Cancelled       int           `json:"cancelled"`
	AvgDurationSecs float64       `json:"avg_duration_seconds"`
}

// History returns recent terminal jobs plus aggregates.
func (m *Monitor) History(ctx context.Context, limit, offset int) (HistorySummary, error) {
	jobs, err := m.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: []scraper.JobStatus{
			scraper.StatusCompleted, scraper.StatusFailed, scraper.StatusCancelled,
		},
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return HistorySummary{}, fmt.Errorf("list history: %w", err)
	}
	summary := HistorySummary{Jobs: jobs}
	var (
		totalDur time.Duration
		timed    int
	)
	for _, job := range jobs {
		switch job.Status {
		case scraper.StatusCompleted:
			summary.Completed++
		case scraper.StatusFailed:
			summary.Failed++
		case scraper.StatusCancelled:
			summary.Cancelled++
		}
		if job.StartedAt != nil && job.CompletedAt != nil {
			totalDur += job.CompletedAt.Sub(*job.StartedAt)
			timed++
		}
	}
	if timed > 0 {
		summary.AvgDurationSecs = (totalDur / time.Duration(timed)).Seconds()
	}
	return summary, nil
}

// TimelineBucket aggregates terminal jobs for one clock hour.
type TimelineBucket struct {
	Hour            time.Time `json:"hour"`
	Processed       int       `json:"processed"`
	Failed          int       `json:"failed"`
	SuccessRate     float64   `json:"success_rate"`
	AvgDurationSecs float64   `json:"avg_duration_seconds"`
}

// Timeline buckets recent terminal jobs per hour, newest first, covering the
// last `hours` hours.
func (m *Monitor) Timeline(ctx context.Context, hours int) ([]TimelineBucket, error) {
	if hours <= 0 {
		hours = 24
	}
	jobs, err := m.jobs.ListJobs(ctx, store.JobFilter{
		Statuses: []scraper.JobStatus{
			scraper.StatusCompleted, scraper.StatusFailed, scraper.StatusCancelled,
		},
		Limit: hours * 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("list timeline jobs: %w", err)
	}
	cutoff := m.clock.Now().Add(-time.Duration(hours) * time.Hour)
	byHour := make(map[time.Time]*timelineAgg)
	for _, job := range jobs {
		if job.CompletedAt == nil || job.CompletedAt.Before(cutoff) {
			continue
		}
		hour := job.CompletedAt.UTC().Truncate(time.Hour)
		agg := byHour[hour]
		if agg == nil {
			agg = &timelineAgg{}
			byHour[hour] = agg
		}
		agg.processed++
		if job.Status == scraper.StatusFailed {
			agg.failed++
		}
		if job.StartedAt != nil {
			agg.totalDur += job.CompletedAt.Sub(*job.StartedAt)
			agg.timed++
		}
	}
	buckets := make([]TimelineBucket, 0, len(byHour))
	for hour, agg := range byHour {
		b := TimelineBucket{
			Hour:        hour,
			Processed:   agg.processed,
			Failed:      agg.failed,
			SuccessRate: float64(agg.processed-agg.failed) / float64(agg.processed),
		}
		if agg.timed > 0 {
			b.AvgDurationSecs = (agg.totalDur / time.Duration(agg.timed)).Seconds()
		}
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Hour.After(buckets[j].Hour) })
	return buckets, nil
}

type timelineAgg struct {
	processed int
	failed    int
	totalDur  time.Duration
	timed     int
}
