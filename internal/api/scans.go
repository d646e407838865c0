package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
	"github.com/MikeSquared-Agency/chatcap/internal/store"
)

// ScansResponse wraps exported records.
type ScansResponse struct {
	Scans []extractor.ScanRecord `json:"scans"`
	Count int                    `json:"count"`
}

// listScans handles GET /api/v1/scans
func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	scans := s.store.GetAllScans(r.Context())
	writeJSON(w, http.StatusOK, ScansResponse{Scans: scans, Count: len(scans)})
}

// countScans handles GET /api/v1/scans/count
func (s *Server) countScans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"count": s.store.GetScanCount(r.Context())})
}

// scansByURL handles GET /api/v1/scans/by-url?url=&limit=
func (s *Server) scansByURL(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return
		}
		limit = n
	}
	scans := s.store.GetScansByURL(r.Context(), url, limit)
	writeJSON(w, http.StatusOK, ScansResponse{Scans: scans, Count: len(scans)})
}

// getScan handles GET /api/v1/scans/{id}
func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.store.Get(r.Context(), chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// getMerge handles GET /api/v1/merges/{id}
func (s *Server) getMerge(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMerge(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "merge not found")
		return
	}
	if err != nil {
		s.logger.Error("get merge failed", "error", err)
		writeError(w, http.StatusInternalServerError, "get merge failed")
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// cleanupScans handles DELETE /api/v1/scans?max_age_days=N
func (s *Server) cleanupScans(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("max_age_days"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "max_age_days must be an integer")
		return
	}
	resp := s.dispatcher.CleanupOldData(r.Context(), days)
	code := http.StatusOK
	if !resp.Success {
		code = http.StatusBadRequest
	}
	writeJSON(w, code, resp)
}
