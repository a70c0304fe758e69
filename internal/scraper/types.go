// Package scraper defines core types shared across subsystems.
package scraper

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a scraping job.
type JobStatus string

// Job status values persisted in the job store. These strings are a contract
// surface: API consumers and the dashboard key off them.
const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are permitted from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ContentType tags the kind of content a record was extracted from.
type ContentType string

// Supported content type tags.
const (
	ContentHTML     ContentType = "html"
	ContentText     ContentType = "text"
	ContentJSON     ContentType = "json"
	ContentXML      ContentType = "xml"
	ContentImage    ContentType = "image"
	ContentDocument ContentType = "document"
)

// ScrapeConfig captures per-job configuration knobs requested by the client.
// Selectors is the typed open extension point for custom field extraction;
// everything else is a named, validated field.
type ScrapeConfig struct {
	WaitTimeSeconds  int               `json:"wait_time" mapstructure:"wait_time"`
	MaxRetries       int               `json:"max_retries" mapstructure:"max_retries"`
	TimeoutSeconds   int               `json:"timeout" mapstructure:"timeout"`
	UseStealth       bool              `json:"use_stealth" mapstructure:"use_stealth"`
	Headless         bool              `json:"headless" mapstructure:"headless"`
	UserAgent        string            `json:"user_agent,omitempty" mapstructure:"user_agent"`
	ExtractImages    bool              `json:"extract_images" mapstructure:"extract_images"`
	ExtractLinks     bool              `json:"extract_links" mapstructure:"extract_links"`
	Selectors        map[string]string `json:"selectors,omitempty" mapstructure:"selectors"`
	ExcludeSelectors []string          `json:"exclude_selectors,omitempty" mapstructure:"exclude_selectors"`
	DelaySeconds     float64           `json:"delay_between_requests" mapstructure:"delay_between_requests"`
	RespectRobots    bool              `json:"respect_robots_txt" mapstructure:"respect_robots_txt"`
	ProxyURL         string            `json:"proxy_url,omitempty" mapstructure:"proxy_url"`
}

// DefaultScrapeConfig returns the config applied when a submission omits one.
func DefaultScrapeConfig() ScrapeConfig {
	return ScrapeConfig{
		WaitTimeSeconds: 5,
		MaxRetries:      3,
		TimeoutSeconds:  30,
		UseStealth:      true,
		Headless:        true,
		DelaySeconds:    1.0,
		RespectRobots:   true,
	}
}

// Validate enforces the ranges accepted for job submission.
func (c ScrapeConfig) Validate() error {
	if c.WaitTimeSeconds < 1 || c.WaitTimeSeconds > 60 {
		return fmt.Errorf("wait_time must be in [1,60], got %d", c.WaitTimeSeconds)
	}
	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("max_retries must be in [0,10], got %d", c.MaxRetries)
	}
	if c.TimeoutSeconds < 5 || c.TimeoutSeconds > 300 {
		return fmt.Errorf("timeout must be in [5,300], got %d", c.TimeoutSeconds)
	}
	if c.DelaySeconds < 0.1 || c.DelaySeconds > 10 {
		return fmt.Errorf("delay_between_requests must be in [0.1,10.0], got %g", c.DelaySeconds)
	}
	if c.ProxyURL != "" && !strings.HasPrefix(c.ProxyURL, "http://") &&
		!strings.HasPrefix(c.ProxyURL, "https://") && !strings.HasPrefix(c.ProxyURL, "socks://") {
		return fmt.Errorf("proxy_url must start with http://, https://, or socks://")
	}
	return nil
}

// Job represents the metadata persisted for each submitted scraping request.
// Ownership belongs to the queue; workers mutate it only through the queue's
// update interface while holding a lease.
type Job struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	Config      ScrapeConfig `json:"config"`
	Status      JobStatus    `json:"status"`
	Priority    int          `json:"priority"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	ErrorText   string       `json:"error_message,omitempty"`
	Progress    float64      `json:"progress_percentage"`
	RetryCount  int          `json:"retry_count"`

	TotalPages     int `json:"total_pages"`
	PagesCompleted int `json:"pages_completed"`
	PagesFailed    int `json:"pages_failed"`

	// Lease bookkeeping; empty owner means unclaimed.
	LeaseOwner     string     `json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// AIMetadata carries provenance from the content analysis step.
type AIMetadata struct {
	Model     string   `json:"model,omitempty"`
	LatencyMs int64    `json:"latency_ms,omitempty"`
	Entities  []string `json:"entities,omitempty"`
	Fallback  bool     `json:"fallback_used,omitempty"`
}

// Record represents structured data extracted from a single page.
type Record struct {
	ID          string         `json:"id"`
	JobID       string         `json:"job_id"`
	URL         string         `json:"url"`
	Content     map[string]any `json:"content"`
	RawHTML     string         `json:"raw_html,omitempty"`
	ContentType ContentType    `json:"content_type"`
	Confidence  float64        `json:"confidence_score"`

	QualityScore     float64    `json:"data_quality_score"`
	ValidationErrors []string   `json:"validation_errors,omitempty"`
	AIMetadata       AIMetadata `json:"ai_metadata,omitempty"`

	ExtractedAt time.Time  `json:"extracted_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	BlobURI     string     `json:"blob_uri,omitempty"`
}

// RawContent is what a PageFetcher returns before analysis.
type RawContent struct {
	URL         string
	StatusCode  int
	Body        []byte
	ContentType ContentType
	Duration    time.Duration
	UsedStealth bool
}

// Analysis is the structured result of a ContentAnalyzer call.
type Analysis struct {
	Fields     map[string]any
	Confidence float64
	Metadata   AIMetadata
}

// QueueStats summarizes queue contents for the stats endpoint.
type QueueStats struct {
	TotalJobs    int               `json:"total_jobs"`
	StatusCounts map[JobStatus]int `json:"status_counts"`
	ActiveLeases int               `json:"active_leases"`
}
