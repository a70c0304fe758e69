// Package collyfetcher implements the page fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/mstanton/webharvester/internal/scraper"
)

// Config controls collector behavior. Per-job scrape config overrides these
// defaults where it sets a value.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher fetches pages with the Colly collector over a shared pooled
// transport. Robots.txt lookups are cached per host.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))

	transport := NewRobotsCacheTransport(newHTTPTransport())
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string, cfg scraper.ScrapeConfig) (scraper.RawContent, error) {
	var (
		result   scraper.RawContent
		fetchErr error
	)
	start := time.Now()
	collector, err := f.buildCollector(pageURL, cfg, start, &result, &fetchErr)
	if err != nil {
		return scraper.RawContent{}, err
	}
	if err := f.runCollector(ctx, collector, pageURL, &fetchErr); err != nil {
		return scraper.RawContent{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	pageURL string,
	cfg scraper.ScrapeConfig,
	start time.Time,
	result *scraper.RawContent,
	fetchErr *error,
) (*colly.Collector, error) {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	if cfg.UserAgent != "" {
		collector.UserAgent = cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !cfg.RespectRobots
	collector.SetRequestTimeout(f.requestTimeout(cfg))
	collector.WithTransport(f.transport)
	if cfg.ProxyURL != "" {
		if err := collector.SetProxy(cfg.ProxyURL); err != nil {
			return nil, fmt.Errorf("set proxy: %w", err)
		}
	}

	collector.OnResponse(func(r *colly.Response) {
		*result = scraper.RawContent{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			Body:        append([]byte(nil), r.Body...),
			ContentType: contentTypeOf(r.Headers.Get("Content-Type")),
			Duration:    time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		*fetchErr = classifyFetchError(pageURL, status, err)
	})
	return collector, nil
}

func (f *Fetcher) requestTimeout(cfg scraper.ScrapeConfig) time.Duration {
	if cfg.TimeoutSeconds > 0 {
		return time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if f.cfg.Timeout > 0 {
		return f.cfg.Timeout
	}
	return 15 * time.Second
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return classifyFetchError(url, 0, err)
		}
		return nil
	}
}

// classifyFetchError maps a transport or HTTP failure to a FetchError with a
// retryability verdict. Client errors that cannot heal on retry (401, 403,
// 404, 410) are permanent; throttling, timeouts, and server errors are not.
func classifyFetchError(url string, status int, err error) error {
	switch status {
	case 0:
		// Network-level failure before any response.
		return &scraper.FetchError{URL: url, Retryable: isTransientNetErr(err), Err: err}
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return &scraper.FetchError{URL: url, Retryable: false, Err: fmt.Errorf("http status %d: %w", status, err)}
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return &scraper.FetchError{URL: url, Retryable: true, Err: fmt.Errorf("http status %d: %w", status, err)}
	}
	if status >= 500 {
		return &scraper.FetchError{URL: url, Retryable: true, Err: fmt.Errorf("http status %d: %w", status, err)}
	}
	return &scraper.FetchError{URL: url, Retryable: false, Err: fmt.Errorf("http status %d: %w", status, err)}
}

func isTransientNetErr(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "no such host")
}

func contentTypeOf(header string) scraper.ContentType {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
	switch {
	case strings.Contains(mediaType, "html"):
		return scraper.ContentHTML
	case strings.Contains(mediaType, "json"):
		return scraper.ContentJSON
	case strings.Contains(mediaType, "xml"):
		return scraper.ContentXML
	case strings.HasPrefix(mediaType, "image/"):
		return scraper.ContentImage
	case strings.HasPrefix(mediaType, "text/"):
		return scraper.ContentText
	default:
		return scraper.ContentDocument
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
