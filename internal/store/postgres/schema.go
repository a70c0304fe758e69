package postgres

import (
	"context"
	"fmt"
)

// schema holds the DDL applied by Migrate. Statements are idempotent so
// Migrate is safe to run at every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id               TEXT PRIMARY KEY,
		url              TEXT NOT NULL,
		config           JSONB NOT NULL DEFAULT '{}',
		status           TEXT NOT NULL,
		priority         INT NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		completed_at     TIMESTAMPTZ,
		error_text       TEXT NOT NULL DEFAULT '',
		progress         DOUBLE PRECISION NOT NULL DEFAULT 0,
		retry_count      INT NOT NULL DEFAULT 0,
		total_pages      INT NOT NULL DEFAULT 0,
		pages_completed  INT NOT NULL DEFAULT 0,
		pages_failed     INT NOT NULL DEFAULT 0,
		lease_owner      TEXT NOT NULL DEFAULT '',
		lease_expires_at TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS jobs_claim_idx
		ON jobs (priority ASC, created_at ASC)
		WHERE status = 'pending';`,
	`CREATE INDEX IF NOT EXISTS jobs_lease_idx
		ON jobs (lease_expires_at)
		WHERE status = 'running';`,
	`CREATE TABLE IF NOT EXISTS records (
		id                TEXT PRIMARY KEY,
		job_id            TEXT NOT NULL REFERENCES jobs (id) ON DELETE CASCADE,
		url               TEXT NOT NULL,
		content           JSONB NOT NULL DEFAULT '{}',
		raw_html          TEXT NOT NULL DEFAULT '',
		content_type      TEXT NOT NULL DEFAULT 'html',
		confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
		quality_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
		validation_errors JSONB NOT NULL DEFAULT '[]',
		ai_metadata       JSONB NOT NULL DEFAULT '{}',
		extracted_at      TIMESTAMPTZ NOT NULL,
		processed_at      TIMESTAMPTZ,
		blob_uri          TEXT NOT NULL DEFAULT ''
	);`,
	`CREATE INDEX IF NOT EXISTS records_job_idx
		ON records (job_id, extracted_at ASC);`,
}

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
