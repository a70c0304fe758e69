// Package memory provides an in-memory JobStore for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
)

// Store implements store.JobStore with process-local maps. Safe for
// concurrent use.
type Store struct {
	mu      sync.RWMutex
	jobs    map[string]scraper.Job
	records map[string][]scraper.Record
	order   []string
	clock   scraper.Clock
}

// New constructs an empty Store.
func New(clock scraper.Clock) *Store {
	return &Store{
		jobs:    make(map[string]scraper.Job),
		records: make(map[string][]scraper.Record),
		clock:   clock,
	}
}

// CreateJob inserts a new job.
func (s *Store) CreateJob(_ context.Context, job scraper.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, id string) (scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scraper.Job{}, scraper.ErrNotFound
	}
	return job, nil
}

// UpdateStatus applies a compare-and-set status change.
func (s *Store) UpdateStatus(_ context.Context, id string, upd store.StatusUpdate) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scraper.Job{}, scraper.ErrNotFound
	}
	if job.Status != upd.From {
		return scraper.Job{}, &scraper.InvalidTransitionError{JobID: id, From: job.Status, To: upd.To}
	}
	if upd.From == scraper.StatusRunning && job.LeaseOwner != upd.Owner {
		return scraper.Job{}, scraper.ErrAlreadyClaimed
	}

	at := upd.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	job.Status = upd.To
	if upd.ErrorText != "" {
		job.ErrorText = upd.ErrorText
	}
	if upd.Progress != nil {
		job.Progress = *upd.Progress
	}
	if upd.TotalPages != nil {
		job.TotalPages = *upd.TotalPages
	}
	if upd.PagesCompleted != nil {
		job.PagesCompleted = *upd.PagesCompleted
	}
	if upd.PagesFailed != nil {
		job.PagesFailed = *upd.PagesFailed
	}
	if upd.RetryCount != nil {
		job.RetryCount = *upd.RetryCount
	}
	if upd.To == scraper.StatusRunning && job.StartedAt == nil {
		started := at
		job.StartedAt = &started
	}
	if upd.To.Terminal() {
		finished := at
		job.CompletedAt = &finished
	}
	if upd.To != scraper.StatusRunning {
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
	}
	s.jobs[id] = job
	return job, nil
}

// ClaimNext claims the best pending job: lowest priority value first, then
// oldest.
func (s *Store) ClaimNext(_ context.Context, owner string, leaseFor time.Duration) (scraper.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var candidates []scraper.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status == scraper.StatusPending {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return scraper.Job{}, scraper.ErrNotFound
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	job := candidates[0]
	now := s.clock.Now()
	expires := now.Add(leaseFor)
	job.Status = scraper.StatusRunning
	job.LeaseOwner = owner
	job.LeaseExpiresAt = &expires
	if job.StartedAt == nil {
		started := now
		job.StartedAt = &started
	}
	s.jobs[job.ID] = job
	return job, nil
}

// ExtendLease renews the lease held by owner.
func (s *Store) ExtendLease(_ context.Context, id, owner string, leaseFor time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return time.Time{}, scraper.ErrNotFound
	}
	if job.Status != scraper.StatusRunning {
		return time.Time{}, scraper.ErrLeaseExpired
	}
	if job.LeaseOwner != owner {
		return time.Time{}, scraper.ErrAlreadyClaimed
	}
	expires := s.clock.Now().Add(leaseFor)
	job.LeaseExpiresAt = &expires
	s.jobs[id] = job
	return expires, nil
}

// ReapExpired returns lapsed running jobs to pending.
func (s *Store) ReapExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var reaped int64
	for id, job := range s.jobs {
		if job.Status != scraper.StatusRunning || job.LeaseExpiresAt == nil {
			continue
		}
		if job.LeaseExpiresAt.After(now) {
			continue
		}
		job.Status = scraper.StatusPending
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
		job.RetryCount++
		s.jobs[id] = job
		reaped++
	}
	return reaped, nil
}

// ListJobs returns matching jobs newest first.
func (s *Store) ListJobs(_ context.Context, f store.JobFilter) ([]scraper.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	allow := make(map[scraper.JobStatus]struct{}, len(f.Statuses))
	for _, st := range f.Statuses {
		allow[st] = struct{}{}
	}

	var out []scraper.Job
	for _, id := range s.order {
		job := s.jobs[id]
		if len(allow) > 0 {
			if _, ok := allow[job.Status]; !ok {
				continue
			}
		}
		out = append(out, job)
	}
	switch f.Order {
	case store.OrderQueue:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority < out[j].Priority
			}
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		})
	}
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(_ context.Context) (map[scraper.JobStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[scraper.JobStatus]int)
	for _, job := range s.jobs {
		counts[job.Status]++
	}
	return counts, nil
}

// DeleteTerminalBefore removes terminal jobs completed before cutoff.
func (s *Store) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.order[:0]
	for _, id := range s.order {
		job := s.jobs[id]
		if job.Status.Terminal() && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			delete(s.records, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed, nil
}

// PutRecord appends one extracted record.
func (s *Store) PutRecord(_ context.Context, rec scraper.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	s.records[rec.JobID] = append(s.records[rec.JobID], rec)
	return nil
}

// ListRecords returns records for a job in insertion order.
func (s *Store) ListRecords(_ context.Context, jobID string, limit, offset int) ([]scraper.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[jobID]
	if offset > 0 {
		if offset >= len(recs) {
			return nil, nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	out := make([]scraper.Record, len(recs))
	copy(out, recs)
	return out, nil
}
