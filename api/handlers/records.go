package handlers

import (
	"net/http"
	"time"

	"github.com/prospectaio/prospecta/pipeline/pkg/analyst"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/sourcemap"
)

// handleRecordResult returns the full enriched record with its photos.
func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	rec, _, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	photos, err := s.store.ListPhotos(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.writeSuccess(w, map[string]any{
		"record": rec,
		"photos": photos,
		"summary": map[string]any{
			"confidenceOverall":  rec.ConfidenceOverall,
			"confidenceCategory": rec.ConfidenceCategory,
			"analystStatus":      rec.AnalystStatus,
			"potentialScore":     rec.PotentialScore,
			"needsReview":        rec.NeedsReview,
			"stages":             rec.Stages,
		},
	})
}

// handleRecordSources returns the per-field data source map.
func (s *Server) handleRecordSources(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	rec, _, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	m := sourcemap.Build(rec)
	s.writeSuccess(w, map[string]any{
		"fields":          m,
		"sourceScore":     m.SourceScore(),
		"validatedFields": m.ValidatedFields(),
	})
}

// handleRecordQuality reports the source-aware quality of a record: how much
// of it was re-derived from external sources rather than trusted from input.
func (s *Server) handleRecordQuality(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	rec, _, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	m := sourcemap.Build(rec)
	score := m.SourceScore()
	validated := m.ValidatedFields()

	s.writeSuccess(w, map[string]any{
		"sourceScore":        score,
		"tier":               qualityTier(score),
		"validatedFields":    validated,
		"validatedCount":     len(validated),
		"totalFields":        len(m),
		"dataQualityScore":   rec.DataQualityScore,
		"populatedFields":    rec.PopulatedFieldCount,
		"criticalMissing":    rec.CriticalMissingFields,
		"alerts":             rec.Alerts,
		"needsReview":        rec.NeedsReview,
		"confidenceOverall":  rec.ConfidenceOverall,
		"confidenceCategory": rec.ConfidenceCategory,
	})
}

func qualityTier(score int) domain.DataQualityTier {
	switch {
	case score >= 85:
		return domain.QualityExcellent
	case score >= 70:
		return domain.QualityHigh
	case score >= 50:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// handleRecordAnalystContext returns the holistic context the analyst stage
// sees, for operators reviewing a verdict.
func (s *Server) handleRecordAnalystContext(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	rec, _, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeSuccess(w, map[string]any{"context": analyst.BuildContext(rec)})
}

type forceFailRequest struct {
	Pipeline string `json:"pipeline"`
	Error    string `json:"error"`
}

// pipelinesByName maps the operator-facing pipeline names onto stages.
var pipelinesByName = map[string]domain.Stage{
	"registry":      domain.StageDocLookup,
	"normalization": domain.StageNormalization,
}

// handleForceFail marks one record's stage as failed with an operator-supplied
// reason, releasing records wedged by a provider bug.
func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	req, err := decodeBody[forceFailRequest](r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	stage, ok := pipelinesByName[req.Pipeline]
	if !ok {
		s.writeError(w, http.StatusBadRequest,
			"pipeline must be \"registry\" or \"normalization\"", req.Pipeline)
		return
	}
	reason := req.Error
	if reason == "" {
		reason = "forced failure by operator"
	}

	rec, version, err := s.store.GetRecord(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	now := s.clock.Now().UTC()
	rec.Stages.Set(stage, domain.StageState{
		Status:     domain.StatusFail,
		Error:      &reason,
		FinishedAt: &now,
	})
	if err := s.store.UpdateRecord(r.Context(), rec, version); err != nil {
		s.writeStoreError(w, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	operator := ""
	if claims != nil {
		operator = claims.Email
	}
	s.log.Info("record stage force-failed",
		"record", id, "stage", stage, "reason", reason, "operator", operator)
	s.writeSuccess(w, map[string]any{
		"recordId": id,
		"stage":    stage,
		"status":   domain.StatusFail,
		"at":       now.Format(time.RFC3339),
	})
}
