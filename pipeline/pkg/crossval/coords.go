package crossval

import (
	"fmt"

	"github.com/prospectaio/prospecta/pipeline/pkg/geo"
)

// Geocoding sources, persisted on the record as geocodingSource.
const (
	SourceGeocoderA = "GEOCODER_A"
	SourceGeocoderB = "GEOCODER_B"
)

// GeoPoint is one geocoder result.
type GeoPoint struct {
	Lat              float64
	Lng              float64
	FormattedAddress string
	PlaceHint        string
}

// CoordsResolution is the outcome of the coordinate cross-validation plus
// the state/city bounding-box checks on the chosen point.
type CoordsResolution struct {
	Chosen               GeoPoint
	Source               string
	Confidence           int
	MaxDivergenceMeters  float64
	Divergences          []string
	WithinState          *bool
	WithinCity           *bool
	DistanceToCityCenter *float64
	StateAlert           bool
}

// ReconcileCoordinates reconciles the two geocoders by haversine distance:
// d<=50m consensus (100), <=200m agreement (90), <=1000m weak (75),
// otherwise disagreement (60, prefer the point inside the declared state's
// bounding box). Nil inputs mean that geocoder returned nothing.
func ReconcileCoordinates(a, b *GeoPoint, state, city string) (CoordsResolution, bool) {
	var res CoordsResolution

	switch {
	case a == nil && b == nil:
		return res, false
	case a != nil && b == nil:
		res.Chosen = *a
		res.Source = SourceGeocoderA
		res.Confidence = 90
	case a == nil && b != nil:
		res.Chosen = *b
		res.Source = SourceGeocoderB
		res.Confidence = 75
	default:
		d := geo.HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng)
		res.MaxDivergenceMeters = d
		switch {
		case d <= 50:
			res.Chosen, res.Source, res.Confidence = *a, SourceGeocoderA, 100
		case d <= 200:
			res.Chosen, res.Source, res.Confidence = *a, SourceGeocoderA, 90
		case d <= 1000:
			res.Chosen, res.Source, res.Confidence = *a, SourceGeocoderA, 75
			res.Divergences = append(res.Divergences,
				fmt.Sprintf("geocoders diverge by %.0fm", d))
		default:
			res.Confidence = 60
			res.Divergences = append(res.Divergences,
				fmt.Sprintf("geocoders disagree by %.0fm", d))
			// Prefer A only when it lands inside the declared state.
			if within, ok := geo.WithinState(state, a.Lat, a.Lng); ok && !within {
				if withinB, okB := geo.WithinState(state, b.Lat, b.Lng); okB && withinB {
					res.Chosen, res.Source = *b, SourceGeocoderB
					break
				}
			}
			res.Chosen, res.Source = *a, SourceGeocoderA
		}
	}

	if within, ok := geo.WithinState(state, res.Chosen.Lat, res.Chosen.Lng); ok {
		res.WithinState = &within
		if !within {
			res.StateAlert = true
			res.Divergences = append(res.Divergences,
				fmt.Sprintf("coordinates outside declared state %s", state))
		}
	}
	if within, ok := geo.WithinCity(city, res.Chosen.Lat, res.Chosen.Lng); ok {
		res.WithinCity = &within
	}
	if d := geo.DistanceToCityCenterMeters(city, res.Chosen.Lat, res.Chosen.Lng); d >= 0 {
		res.DistanceToCityCenter = &d
	}

	return res, true
}
