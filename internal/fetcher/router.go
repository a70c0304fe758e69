// Package fetcher composes the probe and headless page fetchers behind one
// PageFetcher: cheap HTTP first, browser rendering when the job asks for it
// or the probe result looks like a JavaScript shell.
package fetcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/headless/detector"
	"github.com/mstanton/webharvester/internal/scraper"
)

// Router selects between the probe and headless fetchers per job.
type Router struct {
	probe    scraper.PageFetcher
	headless scraper.PageFetcher
	detect   *detector.Heuristic
	logger   *zap.Logger
}

// NewRouter builds a Router. headless may be nil; jobs that require it then
// use the probe result as-is.
func NewRouter(probe, headless scraper.PageFetcher, detect *detector.Heuristic, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		probe:    probe,
		headless: headless,
		detect:   detect,
		logger:   logger,
	}
}

// Fetch routes the request. Jobs configured for headless rendering go
// straight to the browser; otherwise the probe runs first and the result may
// be promoted when the detector flags an empty or script-heavy shell.
func (r *Router) Fetch(ctx context.Context, url string, cfg scraper.ScrapeConfig) (scraper.RawContent, error) {
	if r.headless != nil && (cfg.Headless || cfg.UseStealth) {
		return r.headless.Fetch(ctx, url, cfg)
	}

	raw, err := r.probe.Fetch(ctx, url, cfg)
	if err != nil {
		return scraper.RawContent{}, err
	}
	if r.headless == nil || r.detect == nil || !r.detect.ShouldPromote(raw) {
		return raw, nil
	}

	r.logger.Debug("promoting fetch to headless", zap.String("url", url))
	rendered, err := r.headless.Fetch(ctx, url, cfg)
	if err != nil {
		// The probe response is still usable; promotion is best effort.
		r.logger.Warn("headless promotion failed, keeping probe result",
			zap.String("url", url),
			zap.Error(err),
		)
		return raw, nil
	}
	return rendered, nil
}
