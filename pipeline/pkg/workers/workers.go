// Package workers implements the seven queue consumers. Every worker follows
// the same skeleton: load the record, mark the stage PROCESSING, execute,
// persist the outcome, increment the batch ledger, and chain the next stage.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/riverqueue/river"

	"github.com/prospectaio/prospecta/api/metrics"
	"github.com/prospectaio/prospecta/pipeline/pkg/analyst"
	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// Chaining delays between stages.
const (
	delayAfterDocLookup     = 500 * time.Millisecond
	delayAfterNormalization = 100 * time.Millisecond
	analysisStagger         = 2 * time.Second
)

// Datastore is the slice of the store the workers depend on.
type Datastore interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*domain.Record, int, error)
	UpdateRecord(ctx context.Context, r *domain.Record, version int) error
	IncrementBatch(ctx context.Context, id uuid.UUID, success bool) error
	AppendLog(ctx context.Context, e store.LogEntry) error
	InsertPhotos(ctx context.Context, photos []*domain.Photo) error
	ListPhotos(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error)
	PhotosPendingAnalysis(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error)
	MarkPhotoAnalyzed(ctx context.Context, id uuid.UUID, category domain.PhotoCategory, analysis map[string]any) error
	MarkErrorPhotosAnalyzed(ctx context.Context, recordID uuid.UUID) (int, error)
	FindPhotoByHash(ctx context.Context, hash string) (*domain.Photo, error)
	GetAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, out any) (bool, error)
	PutAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, result any) error
	FindDuplicatesByAddress(ctx context.Context, recordID uuid.UUID, addressNormalized string) ([]uuid.UUID, error)
	FindDuplicatesNearby(ctx context.Context, recordID uuid.UUID, lat, lng float64) ([]uuid.UUID, error)
	FindCompaniesWithPartnerCPF(ctx context.Context, cpf string) ([]domain.CPFPartnerRelation, error)
}

// CNPJRegistry looks up a company by its 14-digit document.
type CNPJRegistry interface {
	Lookup(ctx context.Context, cnpj string) (*providers.CNPJLookup, error)
}

// CPFRegistry looks up an individual by the 11-digit document.
type CPFRegistry interface {
	Lookup(ctx context.Context, cpf string) (*providers.CPFLookup, error)
}

// PlacesProvider is the slice of the Places client the workers consume.
type PlacesProvider interface {
	SearchNearby(ctx context.Context, name string, lat, lng float64, radiusMeters int) (*providers.PlaceResult, error)
	SearchText(ctx context.Context, query string) (*providers.PlaceResult, error)
	Details(ctx context.Context, placeID string) (*providers.PlaceResult, error)
	FetchPhoto(ctx context.Context, photoRef string, maxWidth int) ([]byte, string, error)
}

// PhotoStore persists photo bytes locally.
type PhotoStore interface {
	Save(id uuid.UUID, mediaType string, data []byte) (string, error)
	Read(id uuid.UUID, fileName string) ([]byte, string, error)
}

// Deps wires every worker. Optional fields may be nil; the stages degrade
// accordingly (single-geocoder runs, externalRef-only photos, rule-based
// normalization).
type Deps struct {
	Log   *slog.Logger
	Store Datastore
	Queue queue.Queue
	Clock clockwork.Clock
	Cache cache.Cache

	CNPJ      CNPJRegistry
	CPF       CPFRegistry
	GeocoderA providers.Geocoder
	GeocoderB providers.Geocoder

	Places PlacesProvider
	Photos PhotoStore

	NormalizerA providers.TextCompleter
	NormalizerB providers.TextCompleter
	VisionPre   providers.VisionCompleter
	VisionDeep  providers.VisionCompleter

	Analyst *analyst.Analyst
}

func (d *Deps) Validate() error {
	if d.Log == nil {
		return fmt.Errorf("log is required")
	}
	if d.Store == nil {
		return fmt.Errorf("store is required")
	}
	if d.Queue == nil {
		return fmt.Errorf("queue is required")
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Cache == nil {
		d.Cache = cache.Noop{}
	}
	return nil
}

// Register adds all seven workers to the river registry.
func Register(w *river.Workers, d *Deps) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("failed to validate worker deps: %w", err)
	}
	river.AddWorker(w, &DocLookupWorker{deps: d})
	river.AddWorker(w, &NormalizationWorker{deps: d})
	river.AddWorker(w, &GeocodingWorker{deps: d})
	river.AddWorker(w, &PlacesWorker{deps: d})
	river.AddWorker(w, &AnalysisWorker{deps: d})
	river.AddWorker(w, &AnalystWorker{deps: d})
	river.AddWorker(w, &DuplicateWorker{deps: d})
	return nil
}

// stageOutcome is what a stage execution produces. mutate is applied to a
// freshly loaded record under optimistic locking; chain runs after the
// outcome is persisted.
type stageOutcome struct {
	status  domain.StageStatus
	message string
	mutate  func(*domain.Record)
	chain   func(ctx context.Context, r *domain.Record) error
}

type stageOpts struct {
	exec func(ctx context.Context, r *domain.Record) (stageOutcome, error)
	// chainAlways runs even when the stage fails terminally, so downstream
	// stages still see whatever data exists.
	chainAlways func(ctx context.Context) error
}

func lastAttempt[T river.JobArgs](job *river.Job[T]) bool {
	return job.Attempt >= job.MaxAttempts
}

// runStage is the common worker skeleton.
func (d *Deps) runStage(ctx context.Context, stage domain.Stage, rj queue.RecordJob, last bool, opts stageOpts) error {
	start := d.Clock.Now()

	rec, _, err := d.Store.GetRecord(ctx, rj.RecordID)
	if errors.Is(err, store.ErrNotFound) {
		d.Log.Warn("worker: record vanished, dropping job", "stage", stage, "record", rj.RecordID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record: %w", err)
	}

	if _, err := d.mutateRecord(ctx, rj.RecordID, func(r *domain.Record) {
		now := d.Clock.Now().UTC()
		st := r.Stages.Get(stage)
		st.Status = domain.StatusProcessing
		st.StartedAt = &now
		st.FinishedAt = nil
		st.Error = nil
		r.Stages.Set(stage, st)
	}); err != nil {
		return err
	}

	out, execErr := opts.exec(ctx, rec)
	duration := d.Clock.Now().Sub(start)
	stageStatus := "success"
	if execErr != nil {
		stageStatus = "error"
	}
	metrics.RecordStage(string(stage), stageStatus, duration)

	if execErr != nil {
		if !last {
			return execErr
		}
		msg := execErr.Error()
		if _, err := d.mutateRecord(ctx, rj.RecordID, func(r *domain.Record) {
			now := d.Clock.Now().UTC()
			st := r.Stages.Get(stage)
			st.Status = domain.StatusFail
			st.FinishedAt = &now
			st.Error = &msg
			r.Stages.Set(stage, st)
		}); err != nil {
			d.Log.Error("worker: failed to record stage failure", "stage", stage, "record", rj.RecordID, "error", err)
		}
		d.ledger(ctx, rj, false)
		d.audit(ctx, stage, rj, "ERROR", msg, duration)
		if opts.chainAlways != nil {
			if err := opts.chainAlways(ctx); err != nil {
				d.Log.Error("worker: failed to chain after terminal failure", "stage", stage, "record", rj.RecordID, "error", err)
			}
		}
		return execErr
	}

	updated, err := d.mutateRecord(ctx, rj.RecordID, func(r *domain.Record) {
		if out.mutate != nil {
			out.mutate(r)
		}
		now := d.Clock.Now().UTC()
		st := r.Stages.Get(stage)
		st.Status = out.status
		st.FinishedAt = &now
		if out.message != "" && out.status != domain.StatusSuccess {
			msg := out.message
			st.Error = &msg
		}
		r.Stages.Set(stage, st)
	})
	if err != nil {
		return err
	}

	d.ledger(ctx, rj, out.status != domain.StatusFail)
	level := "INFO"
	if out.status == domain.StatusFail {
		level = "ERROR"
	}
	msg := out.message
	if msg == "" {
		msg = fmt.Sprintf("%s finished with %s", stage, out.status)
	}
	d.audit(ctx, stage, rj, level, msg, duration)

	if opts.chainAlways != nil {
		return opts.chainAlways(ctx)
	}
	if out.chain != nil {
		return out.chain(ctx, updated)
	}
	return nil
}

// mutateRecord applies fn under optimistic locking, retrying on version
// conflicts with concurrent stage writers.
func (d *Deps) mutateRecord(ctx context.Context, id uuid.UUID, fn func(*domain.Record)) (*domain.Record, error) {
	for attempt := 0; attempt < 5; attempt++ {
		rec, version, err := d.Store.GetRecord(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load record for update: %w", err)
		}
		fn(rec)
		err = d.Store.UpdateRecord(ctx, rec, version)
		if errors.Is(err, store.ErrStale) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update record: %w", err)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("failed to update record %s: too many version conflicts", id)
}

func (d *Deps) ledger(ctx context.Context, rj queue.RecordJob, success bool) {
	if rj.BatchID == nil {
		return
	}
	if err := d.Store.IncrementBatch(ctx, *rj.BatchID, success); err != nil {
		d.Log.Error("worker: failed to increment batch ledger", "batch", *rj.BatchID, "error", err)
	}
}

func (d *Deps) audit(ctx context.Context, stage domain.Stage, rj queue.RecordJob, level, message string, duration time.Duration) {
	ms := duration.Milliseconds()
	entry := store.LogEntry{
		RecordID:   &rj.RecordID,
		Stage:      stage,
		Level:      level,
		Message:    message,
		DurationMS: &ms,
	}
	if rj.CorrelationID != uuid.Nil {
		cid := rj.CorrelationID
		entry.CorrelationID = &cid
	}
	if err := d.Store.AppendLog(ctx, entry); err != nil {
		d.Log.Error("worker: failed to append processing log", "stage", stage, "record", rj.RecordID, "error", err)
	}
}
