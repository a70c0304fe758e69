package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/scraper"
)

// Remote calls an external analysis API over HTTP. Transient upstream
// failures (429, 5xx, timeouts) degrade to the local goquery extractor unless
// fallback is disabled, in which case they surface as retryable errors.
type Remote struct {
	cfg      Config
	client   *http.Client
	fallback *Fallback
	clock    scraper.Clock
	logger   *zap.Logger
}

// NewRemote constructs a Remote analyzer.
func NewRemote(cfg Config, clock scraper.Clock, logger *zap.Logger) *Remote {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	r := &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		clock:  clock,
		logger: logger,
	}
	if !cfg.DisableFallback {
		r.fallback = NewFallback()
	}
	return r
}

type analyzeRequest struct {
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Model       string `json:"model"`
}

type analyzeResponse struct {
	Fields     map[string]any `json:"fields"`
	Confidence float64        `json:"confidence"`
	Model      string         `json:"model"`
	Entities   []string       `json:"entities"`
}

// Analyze sends the raw page to the analysis API and maps the response.
func (r *Remote) Analyze(ctx context.Context, raw scraper.RawContent) (scraper.Analysis, error) {
	start := r.clock.Now()
	analysis, err := r.callRemote(ctx, raw)
	if err == nil {
		analysis.Metadata.LatencyMs = r.clock.Now().Sub(start).Milliseconds()
		return analysis, nil
	}
	if ctx.Err() != nil {
		return scraper.Analysis{}, err
	}
	if r.fallback == nil {
		return scraper.Analysis{}, err
	}
	r.logger.Warn("remote analysis failed, using local extraction",
		zap.String("url", raw.URL),
		zap.Error(err),
	)
	analysis, ferr := r.fallback.Analyze(ctx, raw)
	if ferr != nil {
		return scraper.Analysis{}, ferr
	}
	analysis.Metadata.Fallback = true
	analysis.Metadata.LatencyMs = r.clock.Now().Sub(start).Milliseconds()
	return analysis, nil
}

func (r *Remote) callRemote(ctx context.Context, raw scraper.RawContent) (scraper.Analysis, error) {
	payload, err := json.Marshal(analyzeRequest{
		URL:         raw.URL,
		ContentType: string(raw.ContentType),
		Content:     string(raw.Body),
		Model:       r.cfg.Model,
	})
	if err != nil {
		return scraper.Analysis{}, &scraper.AnalysisError{Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return scraper.Analysis{}, &scraper.AnalysisError{Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return scraper.Analysis{}, &scraper.AnalysisError{
			Retryable: isTimeout(err),
			Err:       fmt.Errorf("call analysis api: %w", err),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return scraper.Analysis{}, &scraper.AnalysisError{
			Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:       fmt.Errorf("analysis api status %d: %s", resp.StatusCode, bytes.TrimSpace(body)),
		}
	}

	var out analyzeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scraper.Analysis{}, &scraper.AnalysisError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Fields == nil {
		out.Fields = map[string]any{}
	}
	model := out.Model
	if model == "" {
		model = r.cfg.Model
	}
	return scraper.Analysis{
		Fields:     out.Fields,
		Confidence: out.Confidence,
		Metadata: scraper.AIMetadata{
			Model:    model,
			Entities: out.Entities,
		},
	}, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
