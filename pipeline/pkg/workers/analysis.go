package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/prospectaio/prospecta/pipeline/pkg/cache"
	"github.com/prospectaio/prospecta/pipeline/pkg/confidence"
	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/photostore"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/scoring"
)

// promptVersion keys the photo-analysis cache; bump it when either vision
// prompt changes so stale analyses are not reused.
const promptVersion = "v1"

const classifySystemPrompt = `Classify this photo of a Brazilian commercial establishment.
Respond with a single JSON object and nothing else:
{"category": "FACADE"|"INTERIOR"|"PRODUCT"|"MENU"|"OTHER", "confidence": 0-100, "labels": ["..."]}`

const deepAnalysisSystemPrompt = `You assess the commercial potential of a Brazilian establishment
from a storefront photo. Respond with a single JSON object and nothing else:
{"signage_quality": "EXCELLENT"|"GOOD"|"FAIR"|"POOR",
 "branding_present": true|false,
 "professionalism_level": "HIGH"|"MEDIUM"|"LOW",
 "audience": "...", "ambience": "...",
 "visual_indicators": {"...": "..."},
 "confidence": 0-100}`

// AnalysisWorker classifies and deep-analyzes the record's photos, then
// recomputes the potential score and the universal confidence. It runs
// serially (queue concurrency 1) against the vision model's rate limit.
type AnalysisWorker struct {
	river.WorkerDefaults[queue.AnalysisArgs]
	deps *Deps
}

func (w *AnalysisWorker) Work(ctx context.Context, job *river.Job[queue.AnalysisArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob
	only := job.Args.PhotoID

	return d.runStage(ctx, domain.StageAnalysis, rj, lastAttempt(job), stageOpts{
		exec: func(ctx context.Context, r *domain.Record) (stageOutcome, error) {
			out, err := w.execute(ctx, r, only)
			if err != nil {
				return out, err
			}
			out.chain = func(ctx context.Context, updated *domain.Record) error {
				if updated.AnalystStatus != "" {
					return nil
				}
				return d.Queue.EnqueueStage(ctx, domain.StageAnalyst, rj, 0)
			}
			return out, nil
		},
	})
}

type classification struct {
	Category   domain.PhotoCategory `json:"category"`
	Confidence int                  `json:"confidence"`
	Labels     []string             `json:"labels,omitempty"`
}

type visualAnalysis struct {
	SignageQuality       domain.SignageQuality       `json:"signage_quality"`
	BrandingPresent      *bool                       `json:"branding_present"`
	ProfessionalismLevel domain.ProfessionalismLevel `json:"professionalism_level"`
	Audience             string                      `json:"audience"`
	Ambience             string                      `json:"ambience"`
	VisualIndicators     map[string]any              `json:"visual_indicators"`
	Confidence           int                         `json:"confidence"`
}

func (w *AnalysisWorker) execute(ctx context.Context, r *domain.Record, only uuid.UUID) (stageOutcome, error) {
	pending, err := w.deps.Store.PhotosPendingAnalysis(ctx, r.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("failed to list pending photos: %w", err)
	}
	if only != uuid.Nil {
		pending = filterPhoto(pending, only)
	}

	classified := 0
	formatInvalid := 0
	var facades []analyzedPhoto
	var others []analyzedPhoto

	for _, photo := range pending {
		data, mediaType, err := w.photoBytes(ctx, photo)
		if err != nil {
			w.deps.Log.Warn("analysis: photo bytes unavailable, skipping",
				"record", r.ID, "photo", photo.ID, "error", err)
			continue
		}

		cat, err := w.classify(ctx, r, photo, data, mediaType)
		if err != nil {
			if providers.KindOf(err) == providers.KindImageFormatInvalid {
				formatInvalid++
				w.markFormatInvalid(ctx, photo, err)
				continue
			}
			return stageOutcome{}, fmt.Errorf("failed to classify photo: %w", err)
		}

		classified++
		ap := analyzedPhoto{photo: photo, data: data, mediaType: mediaType, category: cat}
		if cat == domain.PhotoFacade {
			facades = append(facades, ap)
		} else {
			others = append(others, ap)
		}
	}

	// All bytes rejected by the vision model: record the fact and move on.
	if classified == 0 && formatInvalid > 0 {
		if _, err := w.deps.Store.MarkErrorPhotosAnalyzed(ctx, r.ID); err != nil {
			w.deps.Log.Error("analysis: failed to flag invalid photos", "record", r.ID, "error", err)
		}
		return w.finish(ctx, r, 0, nil, "all photos rejected as invalid images")
	}

	// Deep-analyze facades; fall back to whatever was classified.
	batch := facades
	if len(batch) == 0 {
		batch = others
	}
	visual := w.deepAnalyze(ctx, r, batch)

	analyzed, err := w.deps.Store.ListPhotos(ctx, r.ID)
	if err != nil {
		return stageOutcome{}, fmt.Errorf("failed to list photos: %w", err)
	}
	return w.finish(ctx, r, len(analyzed), visual, fmt.Sprintf("analyzed %d photos", classified))
}

type analyzedPhoto struct {
	photo     domain.Photo
	data      []byte
	mediaType string
	category  domain.PhotoCategory
}

// photoBytes loads the photo from local storage, falling back to the
// provider reference.
func (w *AnalysisWorker) photoBytes(ctx context.Context, p domain.Photo) ([]byte, string, error) {
	if w.deps.Photos != nil {
		data, mediaType, err := w.deps.Photos.Read(p.ID, deref(p.FileName))
		if err == nil {
			return data, mediaType, nil
		}
		if !errors.Is(err, photostore.ErrNotFound) {
			return nil, "", err
		}
	}
	if p.ExternalRef != nil && w.deps.Places != nil {
		return w.deps.Places.FetchPhoto(ctx, *p.ExternalRef, photoMaxWidth)
	}
	return nil, "", fmt.Errorf("no local copy and no external reference")
}

// visionModelID identifies the vision model configuration for cache keying,
// so switching models never reuses a verdict produced by another one.
func (w *AnalysisWorker) visionModelID() string {
	var parts []string
	if w.deps.VisionPre != nil {
		parts = append(parts, w.deps.VisionPre.Model())
	}
	if w.deps.VisionDeep != nil {
		parts = append(parts, w.deps.VisionDeep.Model())
	}
	return strings.Join(parts, "+")
}

// classify votes the category across the available vision models, reusing
// prior results keyed by content hash, prompt version and model before
// calling any model.
func (w *AnalysisWorker) classify(ctx context.Context, r *domain.Record, p domain.Photo, data []byte, mediaType string) (domain.PhotoCategory, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	modelID := w.visionModelID()

	cacheKey := fmt.Sprintf("%s:%s:%s:vision", hash, promptVersion, modelID)
	var cached classification
	if hit, err := w.deps.Cache.Get(ctx, cache.NamespaceAnalysis, cacheKey, &cached); err == nil && hit {
		return w.persistClassification(ctx, p, hash, modelID, cached)
	}

	// The durable cache survives Redis restarts and keys on the same triple.
	if hit, err := w.deps.Store.GetAnalysisCache(ctx, hash, promptVersion, modelID, &cached); err != nil {
		w.deps.Log.Warn("analysis: durable cache lookup failed", "photo", p.ID, "error", err)
	} else if hit {
		return w.persistClassification(ctx, p, hash, modelID, cached)
	}

	// Same bytes may already be analyzed under another record, but only a
	// verdict from the same model configuration is reusable.
	if prior, err := w.deps.Store.FindPhotoByHash(ctx, hash); err == nil && prior != nil &&
		prior.Category != "" && prior.AnalysisResult["model_id"] == modelID {
		conf := 75
		if prior.CategoryConfidence != nil {
			conf = *prior.CategoryConfidence
		}
		return w.persistClassification(ctx, p, hash, modelID, classification{Category: prior.Category, Confidence: conf})
	}

	var votes []crossval.PhotoVote
	for _, m := range []struct {
		name  string
		model providers.VisionCompleter
	}{{"vision-pre", w.deps.VisionPre}, {"vision-deep", w.deps.VisionDeep}} {
		if m.model == nil {
			continue
		}
		resp, err := m.model.AnalyzeImage(ctx, classifySystemPrompt, "Classify this photo.", data, mediaType)
		if err != nil {
			if providers.KindOf(err) == providers.KindImageFormatInvalid {
				return "", err
			}
			w.deps.Log.Warn("analysis: classification call failed", "model", m.name, "photo", p.ID, "error", err)
			continue
		}
		var c classification
		if err := json.Unmarshal([]byte(extractJSON(resp)), &c); err != nil {
			w.deps.Log.Warn("analysis: unusable classification output", "model", m.name, "photo", p.ID, "error", err)
			continue
		}
		votes = append(votes, crossval.PhotoVote{Model: m.name, Category: normalizeCategory(c.Category)})
	}

	res, ok := crossval.ReconcilePhotoCategory(votes)
	if !ok {
		return "", fmt.Errorf("no vision model produced a classification")
	}

	result := classification{Category: res.Category, Confidence: res.Confidence}
	if err := w.deps.Cache.Set(ctx, cache.NamespaceAnalysis, cacheKey, result); err != nil {
		w.deps.Log.Warn("analysis: failed to cache classification", "photo", p.ID, "error", err)
	}
	if err := w.deps.Store.PutAnalysisCache(ctx, hash, promptVersion, modelID, result); err != nil {
		w.deps.Log.Warn("analysis: failed to write durable cache", "photo", p.ID, "error", err)
	}
	return w.persistClassification(ctx, p, hash, modelID, result)
}

func (w *AnalysisWorker) persistClassification(ctx context.Context, p domain.Photo, hash, modelID string, c classification) (domain.PhotoCategory, error) {
	analysis := map[string]any{
		"file_hash":  hash,
		"model_id":   modelID,
		"confidence": c.Confidence,
	}
	if len(c.Labels) > 0 {
		analysis["labels"] = c.Labels
	}
	if err := w.deps.Store.MarkPhotoAnalyzed(ctx, p.ID, c.Category, analysis); err != nil {
		return "", fmt.Errorf("failed to persist photo classification: %w", err)
	}
	return c.Category, nil
}

func (w *AnalysisWorker) markFormatInvalid(ctx context.Context, p domain.Photo, cause error) {
	analysis := map[string]any{
		"formatInvalid": true,
		"error":         cause.Error(),
	}
	if err := w.deps.Store.MarkPhotoAnalyzed(ctx, p.ID, domain.PhotoOther, analysis); err != nil {
		w.deps.Log.Error("analysis: failed to mark photo invalid", "photo", p.ID, "error", err)
	}
}

// deepAnalyze runs the deep vision model over the batch and returns the
// first parseable analysis.
func (w *AnalysisWorker) deepAnalyze(ctx context.Context, r *domain.Record, batch []analyzedPhoto) *visualAnalysis {
	if w.deps.VisionDeep == nil || len(batch) == 0 {
		return nil
	}
	if len(batch) > 3 {
		batch = batch[:3]
	}

	user := fmt.Sprintf("Establishment: %s\nAddress: %s, %s - %s\nActivity: %s",
		r.BestName(), r.BestAddress(), r.BestCity(), r.BestState(), deref(r.MainActivity))

	for _, ap := range batch {
		resp, err := w.deps.VisionDeep.AnalyzeImage(ctx, deepAnalysisSystemPrompt, user, ap.data, ap.mediaType)
		if err != nil {
			w.deps.Log.Warn("analysis: deep analysis call failed", "photo", ap.photo.ID, "error", err)
			continue
		}
		var v visualAnalysis
		if err := json.Unmarshal([]byte(extractJSON(resp)), &v); err != nil {
			w.deps.Log.Warn("analysis: unusable deep analysis output", "photo", ap.photo.ID, "error", err)
			continue
		}
		return &v
	}
	return nil
}

// finish persists the visual fields, recomputes the potential score with the
// final photo count and aggregates the universal confidence.
func (w *AnalysisWorker) finish(ctx context.Context, r *domain.Record, photoCount int, visual *visualAnalysis, message string) (stageOutcome, error) {
	sources := 0
	if w.deps.VisionPre != nil {
		sources++
	}
	if w.deps.VisionDeep != nil {
		sources++
	}

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: message,
		mutate: func(r *domain.Record) {
			r.AnalysisSourcesAvailable = sources
			if visual != nil {
				r.SignageQuality = visual.SignageQuality
				r.BrandingPresent = visual.BrandingPresent
				r.ProfessionalismLevel = visual.ProfessionalismLevel
				setStr(&r.Audience, visual.Audience)
				setStr(&r.Ambience, visual.Ambience)
				r.VisualIndicators = visual.VisualIndicators
				conf := visual.Confidence
				r.VisualAnalysisConfidence = &conf
			}

			potential := scoring.Compute(scoring.Inputs{
				Rating:       derefF(r.Rating),
				ReviewCount:  derefI(r.ReviewCount),
				PhotosCount:  photoCount,
				OpeningHours: r.OpeningHours,
				HasWebsite:   r.PlaceWebsite != nil,
				OpeningDate:  r.OpeningDate,
				Now:          w.deps.Clock.Now(),
			})
			score := potential.Score
			r.PotentialScore = &score
			r.PotentialCategory = potential.Category
			r.ScoringBreakdown = potential.Breakdown

			applyConfidence(r)
		},
	}, nil
}

// applyConfidence aggregates the universal confidence from the record's
// current state and persists the verdict fields.
func applyConfidence(r *domain.Record) {
	res := confidence.Aggregate(confidence.Inputs{
		NormalizationConfidence:  derefI(r.NormalizationConfidence),
		GeocodingConfidence:      derefI(r.GeocodingConfidence),
		PlaceCrossConfidence:     derefI(r.PlaceCrossConfidence),
		VisualAnalysisConfidence: derefI(r.VisualAnalysisConfidence),
		NomeFantasiaMatch:        derefI(r.NomeFantasiaMatch),
		DocumentValidated:        r.DocumentValidated,
		GeoOutsideState:          r.GeoWithinState != nil && !*r.GeoWithinState,
		DuplicateAlert:           r.DuplicateAlert,
		RegistryInactive:         r.RegistryStatus != nil && !r.RegistryActive(),
		AnalysisSourcesAvailable: r.AnalysisSourcesAvailable,
		AddressDivergence:        r.AddressDivergence,
		CPFNotPartner:            r.CPFIsPartner != nil && !*r.CPFIsPartner,
		DocumentInvalid:          r.DocumentKind == domain.DocumentInvalid,
	}, confidence.DefaultWeights())

	score := res.Score
	r.ConfidenceOverall = &score
	r.ConfidenceCategory = res.Category
	r.ConfidenceLevel = res.Level
	r.NeedsReview = res.NeedsReview
	for _, a := range res.Alerts {
		r.Alerts = appendUnique(r.Alerts, a)
	}
	r.Recommendations = res.Recommendations
}

func normalizeCategory(c domain.PhotoCategory) domain.PhotoCategory {
	switch c {
	case domain.PhotoFacade, domain.PhotoInterior, domain.PhotoProduct, domain.PhotoMenu:
		return c
	default:
		return domain.PhotoOther
	}
}

func filterPhoto(photos []domain.Photo, id uuid.UUID) []domain.Photo {
	for _, p := range photos {
		if p.ID == id {
			return []domain.Photo{p}
		}
	}
	return nil
}

func derefF(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func derefI(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
