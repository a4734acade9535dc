package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/serpqueue/internal/search"
)

type submitRequest struct {
	Fingerprint string   `json:"fingerprint"`
	Queries     []string `json:"queries"`
}

type searchesResponse struct {
	Searches []search.Search `json:"searches"`
}

type listResponse struct {
	Searches []search.Search     `json:"searches"`
	Meta     pageMeta            `json:"meta"`
	Counts   search.StatusCounts `json:"counts"`
}

type pageMeta struct {
	TotalCount int `json:"total_count"`
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
}

func (s *Server) submitSearches(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Fingerprint == "" {
		req.Fingerprint = fingerprint(r)
	}
	searches, err := s.svc.Submit(r.Context(), req.Fingerprint, req.Queries)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, searchesResponse{Searches: searches})
}

func (s *Server) listSearches(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid page")
		return
	}
	size, err := intParam(r, "page_size")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid page_size")
		return
	}
	result, err := s.svc.List(r.Context(), fingerprint(r), page, size)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, listResponse{
		Searches: result.Searches,
		Meta:     pageMeta{TotalCount: result.TotalCount, Page: result.Page, PageSize: result.PageSize},
		Counts:   result.Counts,
	})
}

func (s *Server) getSearch(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"), fingerprint(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) removeSearch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Remove(r.Context(), id, fingerprint(r)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "removed"})
}

func (s *Server) removeAllSearches(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RemoveAll(r.Context(), fingerprint(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// fingerprint reads the requester from the query string, falling back to the
// X-Fingerprint header.
func fingerprint(r *http.Request) string {
	if fp := strings.TrimSpace(r.URL.Query().Get("fingerprint")); fp != "" {
		return fp
	}
	return strings.TrimSpace(r.Header.Get("X-Fingerprint"))
}

func intParam(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return n, nil
}
