// Package export produces downloadable files from extracted records in CSV,
// JSON, and XLSX formats with filtering and field selection.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
	"github.com/mstanton/webharvester/internal/store"
)

// Format names a supported export file format.
type Format string

// Supported export formats.
const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Request describes one export: which records to include and how to shape
// them. Zero filters mean "everything".
type Request struct {
	Format Format   `json:"format"`
	JobIDs []string `json:"job_ids,omitempty"`
	// Fields selects output columns. Names match record keys; unknown names
	// fall through to keys inside the record's content map.
	Fields         []string   `json:"fields,omitempty"`
	DateFrom       *time.Time `json:"date_from,omitempty"`
	DateTo         *time.Time `json:"date_to,omitempty"`
	MinConfidence  float64    `json:"min_confidence,omitempty"`
	IncludeRawHTML bool       `json:"include_raw_html,omitempty"`
}

// Validate checks the request is well-formed.
func (r Request) Validate() error {
	switch r.Format {
	case FormatCSV, FormatJSON, FormatXLSX:
	default:
		return fmt.Errorf("format must be one of csv, json, xlsx, got %q", r.Format)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0,1], got %g", r.MinConfidence)
	}
	if r.DateFrom != nil && r.DateTo != nil && r.DateTo.Before(*r.DateFrom) {
		return fmt.Errorf("date_to precedes date_from")
	}
	return nil
}

// RecordSource is the slice of the job store the exporter reads from.
type RecordSource interface {
	ListJobs(ctx context.Context, f store.JobFilter) ([]scraper.Job, error)
	ListRecords(ctx context.Context, jobID string, limit, offset int) ([]scraper.Record, error)
}

// Config controls Manager behavior.
type Config struct {
	// Dir is where export files are written. Defaults to the OS temp dir.
	Dir string `mapstructure:"dir"`
	// BatchSize is the record page size used while streaming from the store.
	BatchSize int `mapstructure:"batch_size"`
}

func (c *Config) applyDefaults() {
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
}

// Result reports a finished export.
type Result struct {
	ID          string    `json:"export_id"`
	Format      Format    `json:"format"`
	Path        string    `json:"file_path"`
	FileSize    int64     `json:"file_size"`
	RecordCount int       `json:"record_count"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Manager builds export files from stored records.
type Manager struct {
	cfg    Config
	source RecordSource
	clock  scraper.Clock
	ids    scraper.IDGenerator
	logger *zap.Logger
}

// New constructs a Manager.
func New(cfg Config, source RecordSource, clock scraper.Clock, ids scraper.IDGenerator, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Manager{cfg: cfg, source: source, clock: clock, ids: ids, logger: logger}
}

// Export collects the matching records and writes one file in the requested
// format, returning its path and size.
func (m *Manager) Export(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}
	id, err := m.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate export id: %w", err)
	}

	rows, err := m.collect(ctx, req)
	if err != nil {
		return Result{}, err
	}

	now := m.clock.Now()
	if err := os.MkdirAll(m.cfg.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("export_%s_%s.%s", id, now.UTC().Format("20060102_150405"), req.Format)
	path := filepath.Join(m.cfg.Dir, name)

	switch req.Format {
	case FormatCSV:
		err = writeCSV(path, rows)
	case FormatJSON:
		err = writeJSON(path, rows, now)
	case FormatXLSX:
		err = writeXLSX(path, rows, now)
	}
	if err != nil {
		return Result{}, fmt.Errorf("write %s export: %w", req.Format, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return Result{}, fmt.Errorf("stat export file: %w", err)
	}
	m.logger.Info("export generated",
		zap.String("export_id", id),
		zap.String("format", string(req.Format)),
		zap.String("path", path),
		zap.Int("records", len(rows)),
		zap.Int64("bytes", info.Size()),
	)
	return Result{
		ID:          id,
		Format:      req.Format,
		Path:        path,
		FileSize:    info.Size(),
		RecordCount: len(rows),
		GeneratedAt: now,
	}, nil
}

// collect streams matching records from the store and shapes each into an
// export row.
func (m *Manager) collect(ctx context.Context, req Request) ([]map[string]any, error) {
	jobIDs := req.JobIDs
	if len(jobIDs) == 0 {
		ids, err := m.allJobIDs(ctx)
		if err != nil {
			return nil, err
		}
		jobIDs = ids
	}

	var rows []map[string]any
	for _, jobID := range jobIDs {
		for offset := 0; ; offset += m.cfg.BatchSize {
			recs, err := m.source.ListRecords(ctx, jobID, m.cfg.BatchSize, offset)
			if err != nil {
				return nil, fmt.Errorf("list records for job %s: %w", jobID, err)
			}
			for _, rec := range recs {
				if !matches(rec, req) {
					continue
				}
				row, err := recordRow(rec, req)
				if err != nil {
					return nil, err
				}
				rows = append(rows, row)
			}
			if len(recs) < m.cfg.BatchSize {
				break
			}
		}
	}
	return rows, nil
}

func (m *Manager) allJobIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for offset := 0; ; offset += m.cfg.BatchSize {
		jobs, err := m.source.ListJobs(ctx, store.JobFilter{Limit: m.cfg.BatchSize, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		for _, j := range jobs {
			ids = append(ids, j.ID)
		}
		if len(jobs) < m.cfg.BatchSize {
			break
		}
	}
	return ids, nil
}

func matches(rec scraper.Record, req Request) bool {
	if rec.Confidence < req.MinConfidence {
		return false
	}
	if req.DateFrom != nil && rec.ExtractedAt.Before(*req.DateFrom) {
		return false
	}
	if req.DateTo != nil && rec.ExtractedAt.After(*req.DateTo) {
		return false
	}
	return true
}

// recordRow converts a record to its export shape: the record's JSON view,
// narrowed to the requested fields. Unknown field names are looked up inside
// the content map so callers can select extracted fields directly.
func recordRow(rec scraper.Record, req Request) (map[string]any, error) {
	if !req.IncludeRawHTML {
		rec.RawHTML = ""
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", rec.ID, err)
	}
	if len(req.Fields) == 0 {
		return full, nil
	}

	content, _ := full["content"].(map[string]any)
	row := make(map[string]any, len(req.Fields))
	for _, field := range req.Fields {
		if v, ok := full[field]; ok {
			row[field] = v
			continue
		}
		if v, ok := content[field]; ok {
			row[field] = v
		}
	}
	return row, nil
}
