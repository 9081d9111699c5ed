package handlers

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// handleLogsByCorrelation reconstructs one request's path through the
// pipeline from the processing log.
func (s *Server) handleLogsByCorrelation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid correlation id", err.Error())
		return
	}
	entries, err := s.store.LogsByCorrelation(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"correlationId": id, "entries": entries})
}

// handleLogsByRecord returns the most recent log entries for one record.
func (s *Server) handleLogsByRecord(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid record id", err.Error())
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer", raw)
			return
		}
		limit = n
	}
	entries, err := s.store.LogsByRecord(r.Context(), id, limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"recordId": id, "entries": entries})
}

// handleStageMetrics reports duration statistics over the stage's most recent
// timed runs.
func (s *Server) handleStageMetrics(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageByName(chi.URLParam(r, "stage"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown stage", chi.URLParam(r, "stage"))
		return
	}
	metrics, err := s.store.StagePercentiles(r.Context(), stage)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"metrics": metrics})
}
