package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

// handleQueueLogs returns recent jobs on one queue, the latest broadcast
// events and the five most recent batches.
func (s *Server) handleQueueLogs(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !validQueue(name) {
		s.writeError(w, http.StatusBadRequest, "unknown queue", name)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer", raw)
			return
		}
		limit = n
	}

	jobs, err := s.queue.RecentJobs(r.Context(), name, limit)
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue store unavailable", err.Error())
		return
	}
	batches, err := s.store.ListBatches(r.Context(), batchKindForQueue(name), 5)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	payload := map[string]any{
		"queue":   name,
		"jobs":    jobs,
		"batches": batches,
	}
	if s.broadcast != nil {
		payload["events"] = s.broadcast.Recent(name, limit)
	}
	s.writeSuccess(w, payload)
}

// batchKindForQueue maps a queue name to its batch kind. The duplicates
// queue has no batch ledger of its own, so it shows every kind.
func batchKindForQueue(name string) domain.BatchKind {
	if name == queue.QueueDuplicates {
		return ""
	}
	return domain.KindForStage(domain.Stage(name))
}

// handleQueueLogsStream serves the live SSE feed for one queue. The client
// first receives {type: "connected"}, then one message per queue event until
// it disconnects.
func (s *Server) handleQueueLogsStream(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "queue")
	if !validQueue(name) {
		s.writeError(w, http.StatusBadRequest, "unknown queue", name)
		return
	}
	if s.broadcast == nil {
		s.writeError(w, http.StatusServiceUnavailable, "event stream unavailable", nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, map[string]any{"type": "connected", "queue": name, "timestamp": s.clock.Now().UTC()})
	flusher.Flush()

	ch := s.broadcast.Subscribe(name)
	defer s.broadcast.Unsubscribe(ch)

	// Heartbeats keep proxies from closing an idle stream.
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			writeSSE(w, map[string]any{"type": "heartbeat", "timestamp": s.clock.Now().UTC()})
			flusher.Flush()
		case ev, open := <-ch:
			if !open {
				return
			}
			writeSSE(w, ev)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
