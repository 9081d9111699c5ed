// Package handlers exposes the pipeline's HTTP surface: bulk stage starts,
// queue control, record inspection, audit log queries and the SSE progress
// stream. Every response carries the {success, error?, details?} envelope.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/broadcast"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/ingest"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// Datastore is the slice of the store the HTTP layer depends on.
type Datastore interface {
	Ping(ctx context.Context) error
	GetRecord(ctx context.Context, id uuid.UUID) (*domain.Record, int, error)
	UpdateRecord(ctx context.Context, r *domain.Record, version int) error
	InsertRecords(ctx context.Context, batchID uuid.UUID, recs []*domain.Record) error
	ListRecordIDs(ctx context.Context, f store.RecordFilter) ([]uuid.UUID, error)
	CountByStageStatus(ctx context.Context, stage domain.Stage) (map[domain.StageStatus]int, error)
	CreateBatch(ctx context.Context, kind domain.BatchKind, total int, note *string) (*domain.Batch, error)
	GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error)
	ListBatches(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.Batch, error)
	ListPhotos(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error)
	LogsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]store.LogEntry, error)
	LogsByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]store.LogEntry, error)
	StagePercentiles(ctx context.Context, stage domain.Stage) (*store.StageMetrics, error)
	ResetStuck(ctx context.Context, maxAge string) (int, error)
	ResetStage(ctx context.Context, stage domain.Stage, statuses []domain.StageStatus) ([]uuid.UUID, error)
	UnlockPipelines(ctx context.Context) (int, int, error)
	DuplicateNameGroups(ctx context.Context) ([][]uuid.UUID, error)
	MergeDuplicates(ctx context.Context, primaryID, duplicateID uuid.UUID) error
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// Server wires the HTTP handlers.
type Server struct {
	log       *slog.Logger
	store     Datastore
	queue     queue.Queue
	broadcast *broadcast.Broadcaster
	ingest    *ingest.Parser
	clock     clockwork.Clock
	auth      *Authenticator
	limiter   *RateLimiter
}

// Config for the HTTP server.
type ServerConfig struct {
	Log       *slog.Logger
	Store     Datastore
	Queue     queue.Queue
	Broadcast *broadcast.Broadcaster
	Ingest    *ingest.Parser
	Clock     clockwork.Clock
	// AuthSecret signs bearer tokens. Required.
	AuthSecret []byte
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Log == nil {
		return nil, fmt.Errorf("log is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if len(cfg.AuthSecret) == 0 {
		return nil, fmt.Errorf("auth secret is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Server{
		log:       cfg.Log,
		store:     cfg.Store,
		queue:     cfg.Queue,
		broadcast: cfg.Broadcast,
		ingest:    cfg.Ingest,
		clock:     cfg.Clock,
		auth:      NewAuthenticator(cfg.AuthSecret, cfg.Clock),
		limiter:   NewRateLimiter(defaultRateLimit, defaultRateBurst),
	}, nil
}

// Router builds the chi router with the full API surface.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.rateLimit)

		r.Post("/auth/refresh", s.handleRefresh)

		r.Route("/pipeline", func(r chi.Router) {
			r.Post("/upload", s.handleUpload)
			r.Post("/start-{stage}", s.handleStartStage)
			r.Post("/retry-failed", s.handleRetryFailed)
			r.Post("/pause/{queue}", s.handlePause)
			r.Post("/resume/{queue}", s.handleResume)
			r.Get("/paused-status", s.handlePausedStatus)
			r.Get("/status", s.handleStatus)
			r.Get("/queue-logs/{queue}", s.handleQueueLogs)
			r.Get("/queue-logs-stream/{queue}", s.handleQueueLogsStream)
			r.Post("/reset-stuck", s.handleResetStuck)
			r.Post("/unlock", s.handleUnlock)
			r.Post("/merge-duplicates", s.handleMergeDuplicates)
		})

		r.Route("/records/{id}", func(r chi.Router) {
			r.Get("/result", s.handleRecordResult)
			r.Get("/sources", s.handleRecordSources)
			r.Get("/real-quality", s.handleRecordQuality)
			r.Get("/analyst-context", s.handleRecordAnalystContext)
			r.Post("/force-fail", s.handleForceFail)
		})

		r.Get("/logs/correlation/{id}", s.handleLogsByCorrelation)
		r.Get("/logs/record/{id}", s.handleLogsByRecord)
		r.Get("/metrics/{stage}", s.handleStageMetrics)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "datastore unreachable", err.Error())
		return
	}
	s.writeSuccess(w, map[string]any{"queue": s.queue.Healthy()})
}

// writeSuccess emits {"success": true} merged with the payload fields.
func (s *Server) writeSuccess(w http.ResponseWriter, payload map[string]any) {
	out := map[string]any{"success": true}
	for k, v := range payload {
		out[k] = v
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("handlers: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	out := map[string]any{"success": false, "error": msg}
	if details != nil {
		out["details"] = details
	}
	if err := json.NewEncoder(w).Encode(out); err != nil {
		s.log.Error("handlers: failed to encode error response", "error", err)
	}
}

// writeStoreError maps datastore failures onto the status contract.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found", nil)
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusServiceUnavailable, "datastore unreachable", err.Error())
	default:
		s.log.Error("handlers: datastore operation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody[T any](r *http.Request) (T, error) {
	var v T
	if r.Body == nil || r.ContentLength == 0 {
		return v, nil
	}
	err := json.NewDecoder(r.Body).Decode(&v)
	if errors.Is(err, io.EOF) {
		return v, nil
	}
	return v, err
}

// clientIP extracts the caller address for rate limiting.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// stageBySlug maps the start-<stage> path segment onto the domain stage.
var stageBySlug = map[string]domain.Stage{
	"doc":           domain.StageDocLookup,
	"normalization": domain.StageNormalization,
	"geocoding":     domain.StageGeocoding,
	"places":        domain.StagePlaces,
	"analysis":      domain.StageAnalysis,
	"analyst":       domain.StageAnalyst,
}

// stageByName resolves metrics/{stage} path segments, accepting both the
// slug and the full stage name.
func stageByName(name string) (domain.Stage, bool) {
	if st, ok := stageBySlug[name]; ok {
		return st, true
	}
	for _, st := range domain.Stages {
		if string(st) == name {
			return st, true
		}
	}
	return "", false
}

func validQueue(name string) bool {
	for _, q := range queue.QueueNames {
		if q == name {
			return true
		}
	}
	return false
}
