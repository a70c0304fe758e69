// Package postgres provides the Postgres-backed JobStore.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
)

// PoolConfig controls the Postgres connection pool.
type PoolConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// dbPool is the subset of pgxpool.Pool the store relies on. pgxmock
// implements the same surface, so tests can substitute a mock pool.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements store.JobStore on Postgres. Claim arbitration relies on
// FOR UPDATE SKIP LOCKED, so concurrent claimants never block each other and
// never receive the same job.
type Store struct {
	pool  dbPool
	clock scraper.Clock
}

// New opens a connection pool and returns a Store.
func New(ctx context.Context, cfg PoolConfig, clock scraper.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool dbPool, clock scraper.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const jobColumns = `id, url, config, status, priority, created_at, started_at,
	completed_at, error_text, progress, retry_count, total_pages,
	pages_completed, pages_failed, lease_owner, lease_expires_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job scraper.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	configJSON, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("marshal job config: %w", err)
	}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16);
	`
	_, err = s.pool.Exec(ctx, query,
		job.ID,
		job.URL,
		configJSON,
		job.Status,
		job.Priority,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
		job.ErrorText,
		job.Progress,
		job.RetryCount,
		job.TotalPages,
		job.PagesCompleted,
		job.PagesFailed,
		job.LeaseOwner,
		job.LeaseExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads one job row.
func (s *Store) GetJob(ctx context.Context, id string) (scraper.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.Job{}, scraper.ErrNotFound
		}
		return scraper.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateStatus applies a compare-and-set status change. The WHERE clause
// carries the full precondition; a zero-row update is classified by reloading
// the job.
func (s *Store) UpdateStatus(ctx context.Context, id string, upd store.StatusUpdate) (scraper.Job, error) {
	at := upd.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	terminal := upd.To.Terminal()
	query := `
		UPDATE jobs SET
			status = $3,
			error_text = CASE WHEN $4 <> '' THEN $4 ELSE error_text END,
			progress = COALESCE($5, progress),
			total_pages = COALESCE($6, total_pages),
			pages_completed = COALESCE($7, pages_completed),
			pages_failed = COALESCE($8, pages_failed),
			retry_count = COALESCE($9, retry_count),
			started_at = CASE WHEN $3 = 'running' THEN COALESCE(started_at, $10) ELSE started_at END,
			completed_at = CASE WHEN $11 THEN $10 ELSE completed_at END,
			lease_owner = CASE WHEN $3 <> 'running' THEN '' ELSE lease_owner END,
			lease_expires_at = CASE WHEN $3 <> 'running' THEN NULL ELSE lease_expires_at END
		WHERE id = $1
		  AND status = $2
		  AND (status <> 'running' OR lease_owner = $12)
		RETURNING ` + jobColumns + `;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		id,
		upd.From,
		upd.To,
		upd.ErrorText,
		upd.Progress,
		upd.TotalPages,
		upd.PagesCompleted,
		upd.PagesFailed,
		upd.RetryCount,
		at,
		terminal,
		upd.Owner,
	))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return scraper.Job{}, fmt.Errorf("update job status: %w", err)
	}

	current, gerr := s.GetJob(ctx, id)
	if gerr != nil {
		return scraper.Job{}, gerr
	}
	if current.Status != upd.From {
		return scraper.Job{}, &scraper.InvalidTransitionError{JobID: id, From: current.Status, To: upd.To}
	}
	return scraper.Job{}, scraper.ErrAlreadyClaimed
}

// ClaimNext atomically hands the best pending job to owner. SKIP LOCKED keeps
// concurrent claimants from contending on the same row.
func (s *Store) ClaimNext(ctx context.Context, owner string, leaseFor time.Duration) (scraper.Job, error) {
	now := s.clock.Now()
	query := `
		UPDATE jobs SET
			status = 'running',
			lease_owner = $1,
			lease_expires_at = $2,
			started_at = COALESCE(jobs.started_at, $3)
		FROM (
			SELECT id FROM jobs
			WHERE status = 'pending'
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) next
		WHERE jobs.id = next.id
		RETURNING ` + qualifiedJobColumns("jobs") + `;
	`
	job, err := scanJob(s.pool.QueryRow(ctx, query, owner, now.Add(leaseFor), now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return scraper.Job{}, scraper.ErrNotFound
		}
		return scraper.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// ExtendLease renews the lease held by owner on a running job.
func (s *Store) ExtendLease(ctx context.Context, id, owner string, leaseFor time.Duration) (time.Time, error) {
	expires := s.clock.Now().Add(leaseFor)
	query := `
		UPDATE jobs SET lease_expires_at = $3
		WHERE id = $1 AND status = 'running' AND lease_owner = $2;
	`
	tag, err := s.pool.Exec(ctx, query, id, owner, expires)
	if err != nil {
		return time.Time{}, fmt.Errorf("extend lease: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return expires, nil
	}

	current, gerr := s.GetJob(ctx, id)
	if gerr != nil {
		return time.Time{}, gerr
	}
	if current.Status != scraper.StatusRunning {
		return time.Time{}, scraper.ErrLeaseExpired
	}
	return time.Time{}, scraper.ErrAlreadyClaimed
}

// ReapExpired returns lapsed running jobs to pending for another claim.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE jobs SET
			status = 'pending',
			lease_owner = '',
			lease_expires_at = NULL,
			retry_count = retry_count + 1
		WHERE status = 'running' AND lease_expires_at <= $1;
	`
	tag, err := s.pool.Exec(ctx, query, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reap expired leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]scraper.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	statuses := make([]string, 0, len(f.Statuses))
	for _, st := range f.Statuses {
		statuses = append(statuses, string(st))
	}
	orderBy := "created_at DESC"
	if f.Order == store.OrderQueue {
		orderBy = "priority ASC, created_at ASC"
	}
	query := `
		SELECT ` + jobColumns + ` FROM jobs
		WHERE (cardinality($1::text[]) = 0 OR status = ANY($1))
		ORDER BY ` + orderBy + `
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, statuses, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []scraper.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// CountByStatus returns job counts keyed by status.
func (s *Store) CountByStatus(ctx context.Context) (map[scraper.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[scraper.JobStatus]int)
	for rows.Next() {
		var (
			status scraper.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	return counts, nil
}

// DeleteTerminalBefore removes old terminal jobs. Records cascade via the
// records.job_id foreign key.
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed','failed','cancelled') AND completed_at < $1;
	`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// scanJob reads one job row. lease columns tolerate NULL for rows written
// before the lease columns existed.
func scanJob(row pgx.Row) (scraper.Job, error) {
	var (
		job        scraper.Job
		configJSON []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.URL,
		&configJSON,
		&job.Status,
		&job.Priority,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ErrorText,
		&job.Progress,
		&job.RetryCount,
		&job.TotalPages,
		&job.PagesCompleted,
		&job.PagesFailed,
		&job.LeaseOwner,
		&job.LeaseExpiresAt,
	); err != nil {
		return scraper.Job{}, err
	}
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &job.Config); err != nil {
			return scraper.Job{}, fmt.Errorf("unmarshal job config: %w", err)
		}
	}
	return job, nil
}

func qualifiedJobColumns(table string) string {
	return table + `.id, ` + table + `.url, ` + table + `.config, ` + table + `.status,
	` + table + `.priority, ` + table + `.created_at, ` + table + `.started_at,
	` + table + `.completed_at, ` + table + `.error_text, ` + table + `.progress,
	` + table + `.retry_count, ` + table + `.total_pages, ` + table + `.pages_completed,
	` + table + `.pages_failed, ` + table + `.lease_owner, ` + table + `.lease_expires_at`
}
