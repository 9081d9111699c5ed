package scoring

import (
	"testing"
	"time"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/stretchr/testify/require"
)

func TestComputeHighPotential(t *testing.T) {
	opened := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	in := Inputs{
		Rating:      4.5,
		ReviewCount: 120,
		PhotosCount: 6,
		OpeningHours: domain.OpeningHours{
			"monday":    {{Open: "08:00", Close: "18:00"}},
			"tuesday":   {{Open: "08:00", Close: "18:00"}},
			"wednesday": {{Open: "08:00", Close: "18:00"}},
			"thursday":  {{Open: "08:00", Close: "18:00"}},
			"friday":    {{Open: "08:00", Close: "18:00"}},
			"saturday":  {{Open: "08:00", Close: "13:00"}},
		},
		HasWebsite:  true,
		OpeningDate: &opened,
		Now:         time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	res := Compute(in)
	// rating 13, reviews 10, photos 8, hours min(10, 6+6)=10, website 5, density 20/y => 6
	require.Equal(t, 52, res.Score)
	require.Equal(t, domain.PotentialHigh, res.Category)
	require.Equal(t, 13, res.Breakdown["rating"])
	require.Equal(t, 10, res.Breakdown["reviews"])
	require.Equal(t, 6, res.Breakdown["review_density"])
}

func TestComputeEmptySignals(t *testing.T) {
	res := Compute(Inputs{Now: time.Now()})
	require.Equal(t, 0, res.Score)
	require.Equal(t, domain.PotentialLow, res.Category)
}

func TestComputeMediumBand(t *testing.T) {
	res := Compute(Inputs{
		Rating:      4.0,
		ReviewCount: 30,
		PhotosCount: 2,
		Now:         time.Now(),
	})
	// rating 12, reviews 6, photos 4 => 22 LOW; add website for 27 MEDIUM
	require.Equal(t, 22, res.Score)
	require.Equal(t, domain.PotentialLow, res.Category)

	res = Compute(Inputs{
		Rating:      4.0,
		ReviewCount: 30,
		PhotosCount: 2,
		HasWebsite:  true,
		Now:         time.Now(),
	})
	require.Equal(t, 27, res.Score)
	require.Equal(t, domain.PotentialMedium, res.Category)
}

func TestComputeRatingCap(t *testing.T) {
	res := Compute(Inputs{Rating: 5.0, Now: time.Now()})
	require.Equal(t, 15, res.Breakdown["rating"])
}

func TestComputeScoreCap(t *testing.T) {
	opened := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	res := Compute(Inputs{
		Rating:      5,
		ReviewCount: 1000,
		PhotosCount: 20,
		OpeningHours: domain.OpeningHours{
			"monday": {{Open: "00:00", Close: "23:59"}}, "tuesday": {{Open: "00:00", Close: "23:59"}},
			"wednesday": {{Open: "00:00", Close: "23:59"}}, "thursday": {{Open: "00:00", Close: "23:59"}},
			"friday": {{Open: "00:00", Close: "23:59"}}, "saturday": {{Open: "00:00", Close: "23:59"}},
			"sunday": {{Open: "00:00", Close: "23:59"}},
		},
		HasWebsite:  true,
		OpeningDate: &opened,
		Now:         time.Now(),
	})
	require.LessOrEqual(t, res.Score, 70)
}
