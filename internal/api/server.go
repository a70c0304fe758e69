// Package api exposes the HTTP interface for the scraper service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mstanton/webharvester/internal/clean"
	"github.com/mstanton/webharvester/internal/export"
	"github.com/mstanton/webharvester/internal/metrics"
	"github.com/mstanton/webharvester/internal/monitor"
	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/scraper"
)

// RecordLister is the read-side slice of the job store the API serves records
// from.
type RecordLister interface {
	ListRecords(ctx context.Context, jobID string, limit, offset int) ([]scraper.Record, error)
}

// Config controls HTTP server behavior.
type Config struct {
	// Addr is the listen address.
	Addr string `mapstructure:"addr"`
	// RequestTimeout bounds each request end to end.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// APIKey enables key auth on /v1 routes when non-empty.
	APIKey string `mapstructure:"api_key"`
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// Server wires HTTP handlers to the queue, monitor, cleaner, and exporter.
type Server struct {
	router  chi.Router
	queue   *queue.Queue
	records RecordLister
	monitor *monitor.Monitor
	cleaner *clean.Cleaner
	exports *export.Manager
	cfg     Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	cfg Config,
	q *queue.Queue,
	records RecordLister,
	mon *monitor.Monitor,
	cleaner *clean.Cleaner,
	exports *export.Manager,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	s := &Server{
		queue:   q,
		records: records,
		monitor: mon,
		cleaner: cleaner,
		exports: exports,
		cfg:     cfg,
		logger:  logger,
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/active", s.listActiveJobs)
			r.Get("/history", s.listJobHistory)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/progress", s.getJobProgress)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Get("/health", s.health)
		r.Post("/data/clean", s.cleanData)
		r.Get("/data/records", s.listRecords)
		r.Post("/exports", s.createExport)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// Ready means the job store answers.
	if _, err := s.queue.Stats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "job store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps domain errors onto HTTP statuses: unknown job 404,
// rejected transition 409, full queue 429, anything else 500.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var invalid *scraper.InvalidTransitionError
	switch {
	case errors.Is(err, scraper.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, invalid.Error())
	case errors.Is(err, queue.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
