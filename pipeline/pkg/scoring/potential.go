// Package scoring computes the 0..70 sales-potential score from the Places
// signals and the photo set.
package scoring

import (
	"time"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// Inputs carries the signals the rubric consults.
type Inputs struct {
	Rating       float64
	ReviewCount  int
	PhotosCount  int
	OpeningHours domain.OpeningHours
	HasWebsite   bool
	OpeningDate  *time.Time
	Now          time.Time
}

// Result is the rubric outcome with its per-criterion breakdown.
type Result struct {
	Score     int
	Category  domain.PotentialCategory
	Breakdown map[string]int
}

// Compute applies the potential-score rubric. Criteria sum to at most 70:
// rating (15), review count (14), photo count (10), opening hours (10),
// website (5), review density per year (6); plus headroom reserved for
// future criteria.
func Compute(in Inputs) Result {
	breakdown := make(map[string]int, 6)

	rating := int(in.Rating * 3)
	if rating > 15 {
		rating = 15
	}
	if rating < 0 {
		rating = 0
	}
	breakdown["rating"] = rating

	var reviews int
	switch {
	case in.ReviewCount > 200:
		reviews = 14
	case in.ReviewCount > 50:
		reviews = 10
	case in.ReviewCount > 10:
		reviews = 6
	case in.ReviewCount > 0:
		reviews = 3
	}
	breakdown["reviews"] = reviews

	var photos int
	switch {
	case in.PhotosCount >= 8:
		photos = 10
	case in.PhotosCount >= 4:
		photos = 8
	case in.PhotosCount >= 1:
		photos = 4
	}
	breakdown["photos"] = photos

	hours := 0
	if len(in.OpeningHours) > 0 {
		weekly := in.OpeningHours.WeeklyOpenHours()
		days := in.OpeningHours.OpenDaysPerWeek()
		hours = days + int(weekly/8)
		if hours > 10 {
			hours = 10
		}
	}
	breakdown["opening_hours"] = hours

	website := 0
	if in.HasWebsite {
		website = 5
	}
	breakdown["website"] = website

	density := 0
	if in.OpeningDate != nil && in.ReviewCount > 0 {
		years := in.Now.Sub(*in.OpeningDate).Hours() / (24 * 365.25)
		if years >= 1 {
			perYear := float64(in.ReviewCount) / years
			switch {
			case perYear >= 20:
				density = 6
			case perYear >= 5:
				density = 3
			}
		}
	}
	breakdown["review_density"] = density

	score := rating + reviews + photos + hours + website + density
	if score > 70 {
		score = 70
	}

	var category domain.PotentialCategory
	switch {
	case score >= 50:
		category = domain.PotentialHigh
	case score >= 25:
		category = domain.PotentialMedium
	default:
		category = domain.PotentialLow
	}

	return Result{Score: score, Category: category, Breakdown: breakdown}
}
