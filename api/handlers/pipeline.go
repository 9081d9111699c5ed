package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// enqueueStagger spaces out bulk enqueues once a queue's backlog exceeds ten
// times its worker cap.
const (
	backlogFactor   = 10
	enqueueStagger  = 250 * time.Millisecond
	defaultResetAge = 30 // minutes
)

type startStageRequest struct {
	Force bool   `json:"force"`
	Scope string `json:"scope"`
	// BatchID narrows scope=batch to a specific batch; defaults to the most
	// recent one.
	BatchID *uuid.UUID `json:"batchId"`
}

// handleStartStage creates a batch and enqueues one job per eligible record.
// Without force only records whose stage is PENDING, FAIL or INCOMPLETE are
// picked up; force re-runs terminal records too.
func (s *Server) handleStartStage(w http.ResponseWriter, r *http.Request) {
	stage, ok := stageBySlug[chi.URLParam(r, "stage")]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown stage", chi.URLParam(r, "stage"))
		return
	}
	req, err := decodeBody[startStageRequest](r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	switch req.Scope {
	case "":
		req.Scope = "all"
	case "all", "batch":
	default:
		s.writeError(w, http.StatusBadRequest, "scope must be \"batch\" or \"all\"", nil)
		return
	}

	ctx := r.Context()
	filter := store.RecordFilter{Stage: stage}
	if req.Scope == "batch" {
		batchID := req.BatchID
		if batchID == nil {
			recent, err := s.store.ListBatches(ctx, "", 1)
			if err != nil {
				s.writeStoreError(w, err)
				return
			}
			if len(recent) == 0 {
				s.writeError(w, http.StatusNotFound, "no batches exist", nil)
				return
			}
			batchID = &recent[0].ID
		}
		filter.BatchID = batchID
	}

	pendingIDs, err := s.store.ListRecordIDs(ctx, withStatuses(filter, domain.StatusPending))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	reprocessStatuses := []domain.StageStatus{domain.StatusFail, domain.StatusIncomplete}
	if req.Force {
		reprocessStatuses = append(reprocessStatuses,
			domain.StatusSuccess, domain.StatusNotApplicable, domain.StatusProcessing)
	}
	reprocessIDs, err := s.store.ListRecordIDs(ctx, withStatuses(filter, reprocessStatuses...))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	ids := append(pendingIDs, reprocessIDs...)
	batch, err := s.store.CreateBatch(ctx, domain.KindForStage(stage), len(ids), nil)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	enqueued := s.enqueueAll(r, stage, batch.ID, ids)
	if enqueued < len(ids) {
		s.log.Warn("bulk start partially enqueued",
			"stage", stage, "batch", batch.ID, "requested", len(ids), "enqueued", enqueued)
	}
	s.log.Info("bulk stage start",
		"stage", stage, "batch", batch.ID, "total", len(ids),
		"reprocessing", len(reprocessIDs), "scope", req.Scope, "force", req.Force)

	s.writeSuccess(w, map[string]any{
		"batchId":      batch.ID,
		"total":        len(ids),
		"reprocessing": len(reprocessIDs),
		"scope":        req.Scope,
	})
}

// enqueueAll pushes one job per record, staggering delays under backlog
// pressure. Enqueue failures are logged and skipped so a queue outage never
// turns a bulk start into a 500.
func (s *Server) enqueueAll(r *http.Request, stage domain.Stage, batchID uuid.UUID, ids []uuid.UUID) int {
	ctx := r.Context()
	queueName := string(stage)
	stagger := time.Duration(0)
	if counts, err := s.queue.Counts(ctx); err == nil {
		if c, ok := counts[queueName]; ok && c.Available > backlogFactor*queue.ConcurrencyFor(queueName) {
			stagger = enqueueStagger
		}
	}

	enqueued := 0
	for i, id := range ids {
		job := queue.RecordJob{
			RecordID:      id,
			BatchID:       &batchID,
			CorrelationID: uuid.New(),
		}
		delay := time.Duration(i) * stagger
		var err error
		if stage == domain.StageAnalysis {
			err = s.queue.EnqueueAnalysis(ctx, job, uuid.Nil, delay)
		} else {
			err = s.queue.EnqueueStage(ctx, stage, job, delay)
		}
		if err != nil {
			s.log.Error("failed to enqueue record", "stage", stage, "record", id, "error", err)
			continue
		}
		enqueued++
	}
	return enqueued
}

func withStatuses(f store.RecordFilter, statuses ...domain.StageStatus) store.RecordFilter {
	f.Statuses = statuses
	return f
}

// handleRetryFailed clears failed analyses back to PENDING and re-enqueues
// them.
func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ResetStage(r.Context(), domain.StageAnalysis,
		[]domain.StageStatus{domain.StatusFail})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	batch, err := s.store.CreateBatch(r.Context(), domain.BatchAnalysis, len(ids), nil)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	enqueued := s.enqueueAll(r, domain.StageAnalysis, batch.ID, ids)

	s.log.Info("retrying failed analyses", "batch", batch.ID, "total", len(ids))
	s.writeSuccess(w, map[string]any{
		"batchId":  batch.ID,
		"total":    len(ids),
		"enqueued": enqueued,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !validQueue(name) {
		s.writeError(w, http.StatusBadRequest, "unknown queue", name)
		return
	}
	if err := s.queue.Pause(r.Context(), name); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "failed to pause queue", err.Error())
		return
	}
	s.log.Info("queue paused", "queue", name)
	s.writeSuccess(w, map[string]any{"queue": name, "paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !validQueue(name) {
		s.writeError(w, http.StatusBadRequest, "unknown queue", name)
		return
	}
	if err := s.queue.Resume(r.Context(), name); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "failed to resume queue", err.Error())
		return
	}
	s.log.Info("queue resumed", "queue", name)
	s.writeSuccess(w, map[string]any{"queue": name, "paused": false})
}

func (s *Server) handlePausedStatus(w http.ResponseWriter, r *http.Request) {
	paused, err := s.queue.PausedQueues(r.Context())
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue store unavailable", err.Error())
		return
	}
	if paused == nil {
		paused = []string{}
	}
	s.writeSuccess(w, map[string]any{"paused": paused})
}

// handleStatus merges queue counts with per-stage database counts. A queue
// store outage degrades to database counts plus a warning instead of failing.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var mu sync.Mutex
	stages := map[string]any{}
	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range domain.Stages {
		g.Go(func() error {
			counts, err := s.store.CountByStageStatus(gctx, stage)
			if err != nil {
				return err
			}
			mu.Lock()
			stages[string(stage)] = counts
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.writeStoreError(w, err)
		return
	}

	payload := map[string]any{"stages": stages}
	if counts, err := s.queue.Counts(ctx); err != nil || !s.queue.Healthy() {
		payload["warning"] = "queue store unavailable"
	} else {
		payload["queues"] = counts
	}
	s.writeSuccess(w, payload)
}

// handleResetStuck returns records stuck in PROCESSING beyond the timeout to
// PENDING.
func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	minutes := defaultResetAge
	if raw := r.URL.Query().Get("timeoutMinutes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "timeoutMinutes must be a positive integer", raw)
			return
		}
		minutes = n
	}

	reset, err := s.store.ResetStuck(r.Context(), fmt.Sprintf("%d minutes", minutes))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("reset stuck records", "count", reset, "timeout_minutes", minutes)
	s.writeSuccess(w, map[string]any{"reset": reset, "timeoutMinutes": minutes})
}

// handleUnlock flags error-state photos as analyzed and promotes their
// records so the analyst stage can proceed.
func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	photos, records, err := s.store.UnlockPipelines(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info("unlocked pipelines", "photos_flagged", photos, "records_promoted", records)
	s.writeSuccess(w, map[string]any{"photosFlagged": photos, "recordsPromoted": records})
}

// handleMergeDuplicates groups records by raw name and merges each group into
// its richest member.
func (s *Server) handleMergeDuplicates(w http.ResponseWriter, r *http.Request) {
	groups, err := s.store.DuplicateNameGroups(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	merged := 0
	for _, group := range groups {
		primary := group[0]
		for _, dup := range group[1:] {
			if err := s.store.MergeDuplicates(r.Context(), primary, dup); err != nil {
				s.log.Error("failed to merge duplicate",
					"primary", primary, "duplicate", dup, "error", err)
				continue
			}
			merged++
		}
	}
	s.log.Info("merged duplicate records", "groups", len(groups), "merged", merged)
	s.writeSuccess(w, map[string]any{"groups": len(groups), "merged": merged})
}
