package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"golang.org/x/sync/errgroup"

	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
	"github.com/prospectaio/prospecta/pipeline/pkg/scoring"
)

const (
	nearbyRadiusMeters = 150
	photoMaxWidth      = 800
)

// PlacesWorker runs both search modes, cross-validates the result, downloads
// the place photos and computes the preliminary potential score.
type PlacesWorker struct {
	river.WorkerDefaults[queue.PlacesArgs]
	deps *Deps
}

func (w *PlacesWorker) Work(ctx context.Context, job *river.Job[queue.PlacesArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob

	return d.runStage(ctx, domain.StagePlaces, rj, lastAttempt(job), stageOpts{
		exec: func(ctx context.Context, r *domain.Record) (stageOutcome, error) {
			out, err := w.execute(ctx, r)
			if err != nil {
				return out, err
			}
			if out.status == domain.StatusSuccess {
				out.chain = func(ctx context.Context, _ *domain.Record) error {
					return d.Queue.EnqueueAnalysis(ctx, rj, uuid.Nil, 0)
				}
			}
			return out, nil
		},
	})
}

func (w *PlacesWorker) execute(ctx context.Context, r *domain.Record) (stageOutcome, error) {
	if w.deps.Places == nil {
		return stageOutcome{status: domain.StatusFail, message: "places client not configured"}, nil
	}

	nameHint := r.BestName()

	var nearby, text *providers.PlaceResult
	var errNearby, errText error

	// Both search modes run as siblings under the job deadline and are
	// reconciled after Wait.
	g, gctx := errgroup.WithContext(ctx)
	if r.Lat != nil && r.Lng != nil {
		g.Go(func() error {
			nearby, errNearby = w.deps.Places.SearchNearby(gctx, nameHint, *r.Lat, *r.Lng, nearbyRadiusMeters)
			return nil
		})
	}
	query := strings.Join(nonEmpty(nameHint, r.BestAddress(), r.BestCity(), r.BestState()), ", ")
	g.Go(func() error {
		text, errText = w.deps.Places.SearchText(gctx, query)
		return nil
	})
	_ = g.Wait()

	if errNearby != nil && !providers.IsNotFound(errNearby) {
		w.deps.Log.Warn("places: nearby search failed", "record", r.ID, "error", errNearby)
	}
	if errText != nil && !providers.IsNotFound(errText) {
		w.deps.Log.Warn("places: text search failed", "record", r.ID, "error", errText)
	}

	if nearby == nil && text == nil {
		if transient(errNearby) || transient(errText) {
			return stageOutcome{}, fmt.Errorf("failed to search places: %w", firstErr(errNearby, errText))
		}
		return stageOutcome{status: domain.StatusFail, message: "no places result for either search mode"}, nil
	}

	res, ok := crossval.ReconcilePlaces(candidate(nearby), candidate(text), crossval.PlacesInput{
		NameRaw:           r.NameRaw,
		TradeName:         deref(r.TradeName),
		AddressNormalized: deref(r.AddressNormalized),
		RegistryAddress:   deref(r.RegistryAddress),
		AddressRaw:        r.AddressRaw,
	})
	if !ok {
		return stageOutcome{
			status:  domain.StatusFail,
			message: "places result rejected by cross-validation",
		}, nil
	}

	place := pickResult(res.Chosen.PlaceID, nearby, text)
	if details, err := w.deps.Places.Details(ctx, res.Chosen.PlaceID); err == nil && details != nil {
		place = details
	} else if err != nil {
		w.deps.Log.Warn("places: details fetch failed, using search result", "record", r.ID, "error", err)
	}

	photos := w.downloadPhotos(ctx, r, place.PhotoRefs)
	if len(photos) > 0 {
		if err := w.deps.Store.InsertPhotos(ctx, photos); err != nil {
			return stageOutcome{}, fmt.Errorf("failed to insert photos: %w", err)
		}
	}

	nameMatch := crossval.TradeNameMatch(place.DisplayName, r.NameRaw, deref(r.TradeName))
	potential := scoring.Compute(scoring.Inputs{
		Rating:       place.Rating,
		ReviewCount:  place.ReviewCount,
		PhotosCount:  len(photos),
		OpeningHours: place.OpeningHours,
		HasWebsite:   place.Website != "",
		OpeningDate:  r.OpeningDate,
		Now:          w.deps.Clock.Now(),
	})

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("matched place %q via %s at %d%%", place.DisplayName, res.Method, res.Confidence),
		mutate: func(r *domain.Record) {
			applyPlace(r, place, res, nameMatch, potential)
		},
	}, nil
}

func applyPlace(r *domain.Record, place *providers.PlaceResult, res crossval.PlacesResolution, nameMatch int, potential scoring.Result) {
	pid := place.PlaceID
	r.PlaceID = &pid
	if len(place.Types) > 0 {
		primary := place.Types[0]
		r.PlaceTypesPrimary = &primary
		r.EstablishmentType = &primary
	}
	if place.Rating > 0 {
		rating := place.Rating
		r.Rating = &rating
	}
	if place.ReviewCount > 0 {
		rc := place.ReviewCount
		r.ReviewCount = &rc
	}
	if len(place.OpeningHours) > 0 {
		r.OpeningHours = place.OpeningHours
	}
	setStr(&r.PlacePhone, place.Phone)
	setStr(&r.PlaceWebsite, place.Website)

	r.PlaceNameValidated = res.NameValidated
	r.PlaceAddressValidated = res.AddressValidated
	conf := res.Confidence
	r.PlaceCrossConfidence = &conf
	r.PlaceCrossMethod = domain.PlaceCrossMethod(res.Method)
	r.AcceptedByHighAddress = res.AcceptedByHighAddress
	r.NomeFantasiaMatch = &nameMatch

	score := potential.Score
	r.PotentialScore = &score
	r.PotentialCategory = potential.Category
	r.ScoringBreakdown = potential.Breakdown
}

// downloadPhotos fetches each reference and stores the bytes locally when a
// photo store is available. A photo row is created per reference either way;
// the external reference allows re-fetching later.
func (w *PlacesWorker) downloadPhotos(ctx context.Context, r *domain.Record, refs []string) []*domain.Photo {
	now := w.deps.Clock.Now().UTC()
	var photos []*domain.Photo
	for i, ref := range refs {
		photo := &domain.Photo{
			ID:        uuid.New(),
			RecordID:  r.ID,
			Ordinal:   i,
			CreatedAt: now,
		}
		external := ref
		photo.ExternalRef = &external

		if w.deps.Photos != nil {
			data, mediaType, err := w.deps.Places.FetchPhoto(ctx, ref, photoMaxWidth)
			if err != nil {
				w.deps.Log.Warn("places: photo fetch failed, keeping reference only",
					"record", r.ID, "ordinal", i, "error", err)
			} else if name, err := w.deps.Photos.Save(photo.ID, mediaType, data); err != nil {
				w.deps.Log.Warn("places: photo store failed, keeping reference only",
					"record", r.ID, "ordinal", i, "error", err)
			} else {
				photo.FileName = &name
			}
		}
		photos = append(photos, photo)
	}
	return photos
}

func candidate(p *providers.PlaceResult) *crossval.PlaceCandidate {
	if p == nil {
		return nil
	}
	return &crossval.PlaceCandidate{
		PlaceID:          p.PlaceID,
		DisplayName:      p.DisplayName,
		FormattedAddress: p.FormattedAddress,
	}
}

func pickResult(placeID string, nearby, text *providers.PlaceResult) *providers.PlaceResult {
	if nearby != nil && nearby.PlaceID == placeID {
		return nearby
	}
	if text != nil && text.PlaceID == placeID {
		return text
	}
	if nearby != nil {
		return nearby
	}
	return text
}

func nonEmpty(parts ...string) []string {
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
