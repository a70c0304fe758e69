package headless

import (
	"context"
	"errors"

	"github.com/mstanton/webharvester/internal/scraper"
)

// Noop satisfies the fetcher interface but always errors; it stands in when
// headless browsing is disabled or unavailable in the current build.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since this is a stub implementation.
func (Noop) Fetch(_ context.Context, url string, _ scraper.ScrapeConfig) (scraper.RawContent, error) {
	return scraper.RawContent{}, &scraper.FetchError{
		URL: url,
		Err: errors.New("headless fetcher not configured"),
	}
}
