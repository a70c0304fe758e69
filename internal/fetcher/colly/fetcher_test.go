package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mstanton/webharvester/internal/scraper"
)

func testScrapeConfig() scraper.ScrapeConfig {
	cfg := scraper.DefaultScrapeConfig()
	cfg.RespectRobots = false
	return cfg
}

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "harvester-test"})
	raw, err := f.Fetch(context.Background(), srv.URL, testScrapeConfig())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if raw.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", raw.StatusCode)
	}
	if raw.ContentType != scraper.ContentHTML {
		t.Fatalf("content type = %s, want html", raw.ContentType)
	}
	if string(raw.Body) != "<html><body>hello</body></html>" {
		t.Fatalf("unexpected body %q", raw.Body)
	}
	if raw.Duration <= 0 {
		t.Fatal("duration not recorded")
	}
}

func TestFetchNotFoundIsPermanent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), srv.URL+"/missing", testScrapeConfig())
	if err == nil {
		t.Fatal("expected error for 404")
	}
	var fe *scraper.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want FetchError", err)
	}
	if fe.Retryable {
		t.Fatal("404 must be permanent")
	}
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.Fetch(context.Background(), srv.URL, testScrapeConfig())
	var fe *scraper.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want FetchError", err)
	}
	if !fe.Retryable {
		t.Fatal("502 must be retryable")
	}
}

func TestFetchConnectionRefusedIsRetryable(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	cfg := testScrapeConfig()
	cfg.TimeoutSeconds = 5
	_, err := f.Fetch(context.Background(), "http://127.0.0.1:1", cfg)
	var fe *scraper.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %T, want FetchError", err)
	}
	if !fe.Retryable {
		t.Fatal("connection refused must be retryable")
	}
}

func TestClassifyFetchError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    int
		retryable bool
	}{
		{401, false},
		{403, false},
		{404, false},
		{410, false},
		{408, true},
		{429, true},
		{500, true},
		{503, true},
		{418, false},
	}
	for _, tc := range cases {
		err := classifyFetchError("https://example.com", tc.status, errors.New("test"))
		var fe *scraper.FetchError
		if !errors.As(err, &fe) {
			t.Fatalf("status %d: err = %T, want FetchError", tc.status, err)
		}
		if fe.Retryable != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, fe.Retryable, tc.retryable)
		}
	}
}

func TestContentTypeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   scraper.ContentType
	}{
		{"text/html; charset=utf-8", scraper.ContentHTML},
		{"application/json", scraper.ContentJSON},
		{"application/xml", scraper.ContentXML},
		{"image/png", scraper.ContentImage},
		{"text/plain", scraper.ContentText},
		{"application/pdf", scraper.ContentDocument},
		{"", scraper.ContentDocument},
	}
	for _, tc := range cases {
		if got := contentTypeOf(tc.header); got != tc.want {
			t.Errorf("contentTypeOf(%q) = %s, want %s", tc.header, got, tc.want)
		}
	}
}

func TestRequestTimeoutPrecedence(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: 7 * time.Second})
	cfg := scraper.ScrapeConfig{TimeoutSeconds: 3}
	if got := f.requestTimeout(cfg); got != 3*time.Second {
		t.Fatalf("job timeout should win, got %v", got)
	}
	if got := f.requestTimeout(scraper.ScrapeConfig{}); got != 7*time.Second {
		t.Fatalf("fetcher default should apply, got %v", got)
	}
	if got := New(Config{}).requestTimeout(scraper.ScrapeConfig{}); got != 15*time.Second {
		t.Fatalf("fallback default should apply, got %v", got)
	}
}
