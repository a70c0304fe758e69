// Package store declares persistence interfaces for jobs and extracted records.
package store

import (
	"context"
	"time"

	"github.com/mstanton/webharvester/internal/scraper"
)

// StatusUpdate describes a compare-and-set status change. From must match the
// job's current status or the update is rejected with InvalidTransitionError.
// For updates to a running job, Owner must match the current lease holder.
type StatusUpdate struct {
	From scraper.JobStatus
	To   scraper.JobStatus

	// Owner is the worker asserting the change. Required whenever From is
	// running; ignored for pending jobs.
	Owner string

	ErrorText      string
	Progress       *float64
	TotalPages     *int
	PagesCompleted *int
	PagesFailed    *int
	RetryCount     *int

	At time.Time
}

// JobOrder selects the sort applied to ListJobs results.
type JobOrder int

const (
	// OrderNewestFirst sorts by submission time, newest first. This is the
	// zero value and suits history views.
	OrderNewestFirst JobOrder = iota
	// OrderQueue sorts the way ClaimNext picks: lowest priority value first,
	// ties broken by submission time (oldest first).
	OrderQueue
)

// JobFilter narrows ListJobs results. Zero values mean "no constraint".
type JobFilter struct {
	Statuses []scraper.JobStatus
	Order    JobOrder
	Limit    int
	Offset   int
}

// JobStore persists jobs and arbitrates claims. Implementations must make
// ClaimNext safe under concurrent callers: a pending job is handed to exactly
// one claimant.
type JobStore interface {
	// CreateJob inserts a new pending job. The ID must be unique.
	CreateJob(ctx context.Context, job scraper.Job) error
	// GetJob loads one job or returns scraper.ErrNotFound.
	GetJob(ctx context.Context, id string) (scraper.Job, error)
	// UpdateStatus applies a compare-and-set status change. Returns
	// scraper.ErrNotFound, *scraper.InvalidTransitionError when From does not
	// match, or scraper.ErrAlreadyClaimed when Owner does not hold the lease.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) (scraper.Job, error)
	// ClaimNext atomically claims the highest-priority oldest pending job for
	// owner, marks it running, and sets its lease. Returns scraper.ErrNotFound
	// when nothing is claimable.
	ClaimNext(ctx context.Context, owner string, leaseFor time.Duration) (scraper.Job, error)
	// ExtendLease renews the lease on a running job. Returns
	// scraper.ErrAlreadyClaimed when owner no longer holds it, or
	// scraper.ErrLeaseExpired when the job is no longer running.
	ExtendLease(ctx context.Context, id, owner string, leaseFor time.Duration) (time.Time, error)
	// ReapExpired returns running jobs whose lease has lapsed to pending so
	// another worker can claim them. Reports how many were recovered.
	ReapExpired(ctx context.Context) (int64, error)

	// ListJobs returns jobs matching the filter in the filter's order.
	ListJobs(ctx context.Context, f JobFilter) ([]scraper.Job, error)
	// CountByStatus returns job counts keyed by status.
	CountByStatus(ctx context.Context) (map[scraper.JobStatus]int, error)
	// DeleteTerminalBefore removes terminal jobs (and their records) whose
	// completion predates cutoff. Reports how many jobs were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// PutRecord stores one extracted record.
	PutRecord(ctx context.Context, rec scraper.Record) error
	// ListRecords returns records for a job in extraction order.
	ListRecords(ctx context.Context, jobID string, limit, offset int) ([]scraper.Record, error)
}
