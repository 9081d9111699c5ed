package workers

import (
	"context"
	"fmt"
	"strings"

	"github.com/riverqueue/river"
	"golang.org/x/sync/errgroup"

	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/queue"
)

// GeocodingWorker resolves the best-known address through both geocoders and
// reconciles the coordinates. Only a successful geocode chains the Places
// stage; without coordinates Places has nothing to search near.
type GeocodingWorker struct {
	river.WorkerDefaults[queue.GeocodingArgs]
	deps *Deps
}

func (w *GeocodingWorker) Work(ctx context.Context, job *river.Job[queue.GeocodingArgs]) error {
	d := w.deps
	rj := job.Args.RecordJob

	return d.runStage(ctx, domain.StageGeocoding, rj, lastAttempt(job), stageOpts{
		exec: func(ctx context.Context, r *domain.Record) (stageOutcome, error) {
			out, err := w.execute(ctx, r)
			if err != nil {
				return out, err
			}
			if out.status == domain.StatusSuccess {
				out.chain = func(ctx context.Context, _ *domain.Record) error {
					return d.Queue.EnqueueStage(ctx, domain.StagePlaces, rj, 0)
				}
			}
			return out, nil
		},
	})
}

func (w *GeocodingWorker) execute(ctx context.Context, r *domain.Record) (stageOutcome, error) {
	address := r.BestAddress()
	city := r.BestCity()
	state := r.BestState()
	if strings.TrimSpace(address) == "" && strings.TrimSpace(city) == "" {
		return stageOutcome{status: domain.StatusFail, message: "no address or city to geocode"}, nil
	}

	nameHint := r.BestName()

	var pointA, pointB *crossval.GeoPoint
	var errA, errB error

	g, gctx := errgroup.WithContext(ctx)
	if w.deps.GeocoderA != nil {
		// Geocoder-A benefits from the establishment name in the query.
		query := address
		if nameHint != "" {
			query = nameHint + ", " + address
		}
		g.Go(func() error {
			pointA, errA = w.geocode(gctx, w.deps.GeocoderA, query, city, state)
			return nil
		})
	}
	if w.deps.GeocoderB != nil {
		g.Go(func() error {
			pointB, errB = w.geocode(gctx, w.deps.GeocoderB, address, city, state)
			return nil
		})
	}
	// Provider failures surface through errA/errB after both siblings finish.
	_ = g.Wait()

	if pointA == nil && pointB == nil {
		if transient(errA) || transient(errB) {
			return stageOutcome{}, fmt.Errorf("failed to geocode: %w", firstErr(errA, errB))
		}
		return stageOutcome{status: domain.StatusFail, message: "no geocoder returned coordinates"}, nil
	}

	res, ok := crossval.ReconcileCoordinates(pointA, pointB, state, city)
	if !ok {
		return stageOutcome{status: domain.StatusFail, message: "coordinate reconciliation failed"}, nil
	}

	return stageOutcome{
		status:  domain.StatusSuccess,
		message: fmt.Sprintf("geocoded via %s at %d%%", res.Source, res.Confidence),
		mutate: func(r *domain.Record) {
			lat, lng := res.Chosen.Lat, res.Chosen.Lng
			r.Lat, r.Lng = &lat, &lng
			if res.Chosen.FormattedAddress != "" {
				fa := res.Chosen.FormattedAddress
				r.FormattedAddress = &fa
			}
			if nameHint != "" {
				hint := nameHint
				r.PlaceHint = &hint
			}
			r.GeoValidated = true
			r.GeoWithinState = res.WithinState
			r.GeoWithinCity = res.WithinCity
			r.GeoDistanceToCenterMeters = res.DistanceToCityCenter
			conf := res.Confidence
			r.GeocodingConfidence = &conf
			src := res.Source
			r.GeocodingSource = &src
			if res.MaxDivergenceMeters > 0 {
				div := res.MaxDivergenceMeters
				r.GeocodingMaxDivergenceMeters = &div
			}
			if res.StateAlert {
				r.Alerts = appendUnique(r.Alerts, "WARNING: coordinates outside the declared state")
			}
		},
	}, nil
}

func (w *GeocodingWorker) geocode(ctx context.Context, g providers.Geocoder, address, city, state string) (*crossval.GeoPoint, error) {
	res, err := g.Geocode(ctx, address, city, state)
	if err != nil {
		if !providers.IsNotFound(err) {
			w.deps.Log.Warn("geocoding: provider call failed", "provider", g.Name(), "error", err)
		}
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return &crossval.GeoPoint{
		Lat:              res.Lat,
		Lng:              res.Lng,
		FormattedAddress: res.FormattedAddress,
	}, nil
}

func transient(err error) bool {
	if err == nil {
		return false
	}
	kind := providers.KindOf(err)
	return kind == providers.KindTransientNetwork || kind == providers.KindRateLimited
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
