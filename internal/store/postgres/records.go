package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mstanton/webharvester/internal/scraper"
)

// PutRecord inserts one extracted record row.
func (s *Store) PutRecord(ctx context.Context, rec scraper.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	if rec.JobID == "" {
		return fmt.Errorf("record job id is required")
	}
	contentJSON, err := json.Marshal(rec.Content)
	if err != nil {
		return fmt.Errorf("marshal record content: %w", err)
	}
	errorsJSON, err := json.Marshal(rec.ValidationErrors)
	if err != nil {
		return fmt.Errorf("marshal validation errors: %w", err)
	}
	metaJSON, err := json.Marshal(rec.AIMetadata)
	if err != nil {
		return fmt.Errorf("marshal ai metadata: %w", err)
	}
	query := `
		INSERT INTO records (
			id, job_id, url, content, raw_html, content_type, confidence,
			quality_score, validation_errors, ai_metadata, extracted_at,
			processed_at, blob_uri
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13);
	`
	_, err = s.pool.Exec(ctx, query,
		rec.ID,
		rec.JobID,
		rec.URL,
		contentJSON,
		rec.RawHTML,
		rec.ContentType,
		rec.Confidence,
		rec.QualityScore,
		errorsJSON,
		metaJSON,
		rec.ExtractedAt,
		rec.ProcessedAt,
		rec.BlobURI,
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListRecords returns a job's records in extraction order.
func (s *Store) ListRecords(ctx context.Context, jobID string, limit, offset int) ([]scraper.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, job_id, url, content, raw_html, content_type, confidence,
			quality_score, validation_errors, ai_metadata, extracted_at,
			processed_at, blob_uri
		FROM records
		WHERE job_id = $1
		ORDER BY extracted_at ASC, id ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var recs []scraper.Record
	for rows.Next() {
		var (
			rec         scraper.Record
			contentJSON []byte
			errorsJSON  []byte
			metaJSON    []byte
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.JobID,
			&rec.URL,
			&contentJSON,
			&rec.RawHTML,
			&rec.ContentType,
			&rec.Confidence,
			&rec.QualityScore,
			&errorsJSON,
			&metaJSON,
			&rec.ExtractedAt,
			&rec.ProcessedAt,
			&rec.BlobURI,
		); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		if len(contentJSON) > 0 {
			if err := json.Unmarshal(contentJSON, &rec.Content); err != nil {
				return nil, fmt.Errorf("unmarshal record content: %w", err)
			}
		}
		if len(errorsJSON) > 0 {
			if err := json.Unmarshal(errorsJSON, &rec.ValidationErrors); err != nil {
				return nil, fmt.Errorf("unmarshal validation errors: %w", err)
			}
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &rec.AIMetadata); err != nil {
				return nil, fmt.Errorf("unmarshal ai metadata: %w", err)
			}
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return recs, nil
}
