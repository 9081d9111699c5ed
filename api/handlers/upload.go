package handlers

import (
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// Uploads above this size are rejected before parsing.
const maxUploadBytes = 20 << 20

// handleUpload ingests a spreadsheet of candidate records, persists them as
// a batch and enqueues the document lookup stage for each.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, "upload parsing unavailable", nil)
		return
	}
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart form", err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "missing \"file\" form field", err.Error())
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read upload", err.Error())
		return
	}
	if len(data) > maxUploadBytes {
		s.writeError(w, http.StatusBadRequest, "upload exceeds 20MB limit", nil)
		return
	}

	res, err := s.ingest.ParseFile(r.Context(), header.Filename, data)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to parse upload", err.Error())
		return
	}

	note := header.Filename
	batch, err := s.store.CreateBatch(r.Context(), domain.BatchDoc, len(res.Records), &note)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	recs := make([]*domain.Record, len(res.Records))
	ids := make([]uuid.UUID, len(res.Records))
	for i := range res.Records {
		recs[i] = &res.Records[i]
		ids[i] = res.Records[i].ID
	}
	if err := s.store.InsertRecords(r.Context(), batch.ID, recs); err != nil {
		s.writeStoreError(w, err)
		return
	}
	enqueued := s.enqueueAll(r, domain.StageDocLookup, batch.ID, ids)

	s.log.Info("upload ingested",
		"file", header.Filename, "batch", batch.ID,
		"records", len(res.Records), "rejected", len(res.Rejected), "enqueued", enqueued)
	s.writeSuccess(w, map[string]any{
		"batchId":     batch.ID,
		"total":       len(res.Records),
		"rejected":    res.Rejected,
		"mapping":     res.Mapping,
		"mappedByLLM": res.MappedByLLM,
	})
}
