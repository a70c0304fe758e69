package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const robotsCacheTTL = 30 * time.Minute

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RobotsCacheTransport caches robots.txt responses per host so repeated jobs
// against the same site do not re-probe on every visit. A robots probe that
// keeps failing with transient TLS or timeout errors degrades to an
// allow-all response rather than blocking the crawl.
type RobotsCacheTransport struct {
	base http.RoundTripper

	mu    sync.Mutex
	cache map[string]robotsEntry
}

type robotsEntry struct {
	body      []byte
	status    int
	fetchedAt time.Time
}

// NewRobotsCacheTransport wraps base with the robots cache.
func NewRobotsCacheTransport(base http.RoundTripper) *RobotsCacheTransport {
	return &RobotsCacheTransport{
		base:  base,
		cache: make(map[string]robotsEntry),
	}
}

// RoundTrip serves robots.txt requests from cache when fresh; everything else
// passes through.
func (t *RobotsCacheTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("base roundtrip: %w", err)
		}
		return resp, nil
	}

	host := req.URL.Host
	t.mu.Lock()
	entry, ok := t.cache[host]
	t.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < robotsCacheTTL {
		return synthesizeResponse(req, entry.status, entry.body), nil
	}

	resp, err := t.fetchWithRetry(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	closeErr := resp.Body.Close()
	if err != nil || closeErr != nil {
		return nil, fmt.Errorf("read robots body: %w", errors.Join(err, closeErr))
	}
	t.mu.Lock()
	t.cache[host] = robotsEntry{body: body, status: resp.StatusCode, fetchedAt: time.Now()}
	t.mu.Unlock()
	return synthesizeResponse(req, resp.StatusCode, body), nil
}

// fetchWithRetry retries transient TLS and timeout failures with backoff,
// then falls back to an allow-all robots document.
func (t *RobotsCacheTransport) fetchWithRetry(req *http.Request) (*http.Response, error) {
	maxAttempts := len(robotsRetryBackoff) + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		resp, err := t.base.RoundTrip(cloneRequest(req))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt == maxAttempts-1 {
			return synthesizeResponse(req, http.StatusOK, []byte(allowAllRobots)), nil
		}
		if err := sleepWithContext(req.Context(), robotsRetryBackoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots backoff: %w", err)
		}
	}
	return nil, errors.New("robots roundtrip exhausted retries")
}

const allowAllRobots = "User-agent: *\nAllow: /"

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func cloneRequest(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Body = req.Body
	return clone
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("sleep context: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

func synthesizeResponse(req *http.Request, status int, body []byte) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
