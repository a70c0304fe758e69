package scraper

import (
	"context"
	"time"
)

// PageFetcher retrieves raw page content. Implementations classify failures
// as retryable or permanent via FetchError.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, cfg ScrapeConfig) (RawContent, error)
}

// ContentAnalyzer turns raw content into structured fields with a confidence
// score. Failures carry an AnalysisError with a retryability flag.
type ContentAnalyzer interface {
	Analyze(ctx context.Context, raw RawContent) (Analysis, error)
}

// BlobStore archives raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes job completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
