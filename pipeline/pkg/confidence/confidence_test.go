package confidence

import (
	"testing"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/stretchr/testify/require"
)

func strongInputs() Inputs {
	return Inputs{
		NormalizationConfidence:  100,
		GeocodingConfidence:      100,
		PlaceCrossConfidence:     100,
		VisualAnalysisConfidence: 85,
		NomeFantasiaMatch:        95,
		DocumentValidated:        true,
		AnalysisSourcesAvailable: 3,
	}
}

func TestAggregateHappyPath(t *testing.T) {
	res := Aggregate(strongInputs(), DefaultWeights())
	require.GreaterOrEqual(t, res.Score, 85)
	require.Equal(t, domain.ConfidenceExcellent, res.Category)
	require.Equal(t, domain.LevelGreen, res.Level)
	require.False(t, res.NeedsReview)
}

func TestAggregatePenalties(t *testing.T) {
	in := strongInputs()
	in.RegistryInactive = true
	res := Aggregate(in, DefaultWeights())

	clean := Aggregate(strongInputs(), DefaultWeights())
	require.Equal(t, clean.Score-20, res.Score)
	require.True(t, res.NeedsReview, "critical alert forces review regardless of level")
}

func TestAggregateMonotone(t *testing.T) {
	w := DefaultWeights()
	base := Inputs{
		NormalizationConfidence:  50,
		GeocodingConfidence:      60,
		PlaceCrossConfidence:     40,
		VisualAnalysisConfidence: 30,
		NomeFantasiaMatch:        20,
		AnalysisSourcesAvailable: 2,
	}

	// Raising any single constituent never decreases the score.
	for conf := 0; conf <= 100; conf += 10 {
		prev := -1
		for c := 0; c <= conf; c += 10 {
			in := base
			in.GeocodingConfidence = c
			got := Aggregate(in, w).Score
			require.GreaterOrEqual(t, got, prev)
			prev = got
		}
	}
}

func TestAggregateDeterministic(t *testing.T) {
	in := strongInputs()
	in.DuplicateAlert = true
	in.GeoOutsideState = true

	r1 := Aggregate(in, DefaultWeights())
	r2 := Aggregate(in, DefaultWeights())
	require.Equal(t, r1, r2)
}

func TestAggregateLevels(t *testing.T) {
	tests := []struct {
		score int
		level domain.ConfidenceLevel
	}{
		{90, domain.LevelGreen},
		{75, domain.LevelYellow},
		{55, domain.LevelOrange},
		{30, domain.LevelRed},
	}
	for _, tt := range tests {
		in := Inputs{
			NormalizationConfidence:  tt.score,
			AnalysisSourcesAvailable: 2,
		}
		// Single-weight aggregation makes the score equal the constituent.
		res := Aggregate(in, Weights{Normalization: 1})
		require.Equal(t, tt.level, res.Level, "score %d", tt.score)
	}
}

func TestAggregateAlertsRuleTable(t *testing.T) {
	in := strongInputs()
	in.CPFNotPartner = true
	res := Aggregate(in, DefaultWeights())
	require.Contains(t, res.Alerts, "CPF not found in any partner list")

	in = strongInputs()
	in.DocumentInvalid = true
	res = Aggregate(in, DefaultWeights())
	require.True(t, res.NeedsReview)
	require.Contains(t, res.Alerts[0], "document is invalid")
}

func TestAggregateClamping(t *testing.T) {
	in := Inputs{AnalysisSourcesAvailable: 2}
	res := Aggregate(in, DefaultWeights())
	require.GreaterOrEqual(t, res.Score, 0)

	res = Aggregate(strongInputs(), DefaultWeights())
	require.LessOrEqual(t, res.Score, 100)
}
