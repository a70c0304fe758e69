package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mstanton/webharvester/internal/queue"
	"github.com/mstanton/webharvester/internal/scraper"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type submitJobRequest struct {
	URL      string                `json:"url"`
	Config   *scraper.ScrapeConfig `json:"config,omitempty"`
	Priority int                   `json:"priority"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.queue.Submit(r.Context(), queue.Submission{
		URL:      req.URL,
		Config:   req.Config,
		Priority: req.Priority,
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		// Submit validates before touching the store; failures are the
		// caller's input.
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getJobProgress(w http.ResponseWriter, r *http.Request) {
	prog, err := s.monitor.Progress(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prog)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listActiveJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.queue.ListActive(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) listJobHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	statuses, err := parseHistoryStatuses(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.queue.ListHistory(r.Context(), statuses, limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	summary, err := s.monitor.History(r.Context(), limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "summary": summary})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	health, err := s.monitor.CheckHealth(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

// parseHistoryStatuses maps a comma-separated status query value onto
// terminal job statuses. Empty input means "all terminal".
func parseHistoryStatuses(raw string) ([]scraper.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []scraper.JobStatus
	for _, part := range strings.Split(raw, ",") {
		st := scraper.JobStatus(strings.ToLower(strings.TrimSpace(part)))
		if !st.Terminal() {
			return nil, fmt.Errorf("invalid history status %q", part)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
