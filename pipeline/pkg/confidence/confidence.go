// Package confidence aggregates per-stage confidences and validation flags
// into the record's final score, category, traffic-light level and review
// flag. The aggregation is monotone: raising any constituent confidence with
// all flags unchanged can never lower the output.
package confidence

import (
	"fmt"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// Weights for the per-stage confidences. The defaults were derived
// empirically; deployments may tune them.
type Weights struct {
	Normalization float64
	Geocoding     float64
	PlacesCross   float64
	Visual        float64
	NameMatch     float64
	Document      float64
}

// DefaultWeights returns the standard weight set.
func DefaultWeights() Weights {
	return Weights{
		Normalization: 0.15,
		Geocoding:     0.25,
		PlacesCross:   0.25,
		Visual:        0.15,
		NameMatch:     0.10,
		Document:      0.10,
	}
}

// Inputs carries everything the aggregator consults.
type Inputs struct {
	NormalizationConfidence  int
	GeocodingConfidence      int
	PlaceCrossConfidence     int
	VisualAnalysisConfidence int
	NomeFantasiaMatch        int
	DocumentValidated        bool

	GeoOutsideState          bool
	DuplicateAlert           bool
	RegistryInactive         bool
	AnalysisSourcesAvailable int
	AddressDivergence        bool
	CPFNotPartner            bool
	DocumentInvalid          bool
}

// Result is the aggregated verdict persisted on the record.
type Result struct {
	Score           int
	Category        domain.ConfidenceCategory
	Level           domain.ConfidenceLevel
	NeedsReview     bool
	Alerts          []string
	Recommendations []string
}

// Aggregate computes the universal confidence from the inputs.
func Aggregate(in Inputs, w Weights) Result {
	docConf := 30.0
	if in.DocumentValidated {
		docConf = 100
	}

	base := float64(in.NormalizationConfidence)*w.Normalization +
		float64(in.GeocodingConfidence)*w.Geocoding +
		float64(in.PlaceCrossConfidence)*w.PlacesCross +
		float64(in.VisualAnalysisConfidence)*w.Visual +
		float64(in.NomeFantasiaMatch)*w.NameMatch +
		docConf*w.Document

	totalWeight := w.Normalization + w.Geocoding + w.PlacesCross + w.Visual + w.NameMatch + w.Document
	if totalWeight > 0 {
		base /= totalWeight
	}

	if in.GeoOutsideState {
		base -= 10
	}
	if in.DuplicateAlert {
		base -= 5
	}
	if in.RegistryInactive {
		base -= 20
	}
	if in.AnalysisSourcesAvailable < 2 {
		base -= 5
	}

	score := int(base + 0.5)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	res := Result{Score: score}
	switch {
	case score >= 85:
		res.Category, res.Level = domain.ConfidenceExcellent, domain.LevelGreen
	case score >= 70:
		res.Category, res.Level = domain.ConfidenceHigh, domain.LevelYellow
	case score >= 50:
		res.Category, res.Level = domain.ConfidenceMedium, domain.LevelOrange
	default:
		res.Category, res.Level = domain.ConfidenceLow, domain.LevelRed
	}

	res.Alerts, res.Recommendations = ruleTable(in)
	res.NeedsReview = res.Level == domain.LevelOrange || res.Level == domain.LevelRed || hasCritical(res.Alerts)
	return res
}

// criticalPrefix marks alerts that force review regardless of level.
const criticalPrefix = "CRITICAL: "

func hasCritical(alerts []string) bool {
	for _, a := range alerts {
		if len(a) >= len(criticalPrefix) && a[:len(criticalPrefix)] == criticalPrefix {
			return true
		}
	}
	return false
}

// ruleTable generates alerts and recommendations from the flags. Fixed order
// so the output is deterministic.
func ruleTable(in Inputs) (alerts, recommendations []string) {
	if in.DocumentInvalid {
		alerts = append(alerts, criticalPrefix+"document is invalid")
		recommendations = append(recommendations, "collect a valid CNPJ or CPF before approving")
	}
	if in.RegistryInactive {
		alerts = append(alerts, criticalPrefix+"company is not active in the registry")
		recommendations = append(recommendations, "confirm the registry status before any commercial engagement")
	}
	if in.GeoOutsideState {
		alerts = append(alerts, "WARNING: geocoded coordinates fall outside the declared state")
		recommendations = append(recommendations, "verify the address with the customer")
	}
	if in.DuplicateAlert {
		alerts = append(alerts, "WARNING: another record shares this address")
		recommendations = append(recommendations, "check for duplicate registration before creating the account")
	}
	if in.AddressDivergence {
		alerts = append(alerts, "WARNING: input address diverges from the registry address")
	}
	if in.CPFNotPartner {
		alerts = append(alerts, "CPF not found in any partner list")
		recommendations = append(recommendations, "confirm the individual's link to the establishment")
	}
	if in.AnalysisSourcesAvailable < 2 {
		alerts = append(alerts, fmt.Sprintf("only %d analysis source(s) available, cross-validation limited", in.AnalysisSourcesAvailable))
	}
	if in.PlaceCrossConfidence == 0 {
		recommendations = append(recommendations, "establishment not found on Places, consider a field visit")
	}
	return alerts, recommendations
}
