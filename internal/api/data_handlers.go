package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mstanton/webharvester/internal/clean"
	"github.com/mstanton/webharvester/internal/export"
	"github.com/mstanton/webharvester/internal/scraper"
)

const (
	defaultRecordLimit = 100
	maxRecordLimit     = 1000
)

type cleanDataRequest struct {
	Records []scraper.Record `json:"records"`
}

type cleanDataResponse struct {
	Records []scraper.Record `json:"records"`
	Report  clean.Report     `json:"report"`
}

// cleanData runs the cleaning pipeline over caller-supplied records and
// returns them with a quality report. Nothing is persisted.
func (s *Server) cleanData(w http.ResponseWriter, r *http.Request) {
	var req cleanDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cleaned, m, err := s.cleaner.Clean(r.Context(), req.Records)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cleanDataResponse{
		Records: cleaned,
		Report:  clean.BuildReport(m),
	})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := s.records.ListRecords(r.Context(), jobID, limit, offset)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if recs == nil {
		recs = []scraper.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) createExport(w http.ResponseWriter, r *http.Request) {
	var req export.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.exports.Export(r.Context(), req)
	if err != nil {
		if errors.Is(err, scraper.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}
