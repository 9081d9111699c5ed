package crossval

import "github.com/prospectaio/prospecta/pipeline/pkg/domain"

// SourceVision is persisted when a vision model supplies the value.
const SourceVision = "VISION_LLM"

// PhotoVote is one vision model's classification of a photo.
type PhotoVote struct {
	Model    string
	Category domain.PhotoCategory
}

// PhotoResolution is the outcome of the photo classification vote.
type PhotoResolution struct {
	Category         domain.PhotoCategory
	Confidence       int
	NeedsReview      bool
	SingleSourceOnly bool
	Votes            int
}

// ReconcilePhotoCategory majority-votes the category across vision sources:
// 3/3 gives 100, 2/3 gives 85, a split vote gives 60 with a review flag.
// With a single source the confidence is that source's baseline (75) and the
// record is flagged for cross-validation unavailability.
func ReconcilePhotoCategory(votes []PhotoVote) (PhotoResolution, bool) {
	if len(votes) == 0 {
		return PhotoResolution{}, false
	}

	if len(votes) == 1 {
		return PhotoResolution{
			Category:         votes[0].Category,
			Confidence:       75,
			SingleSourceOnly: true,
			Votes:            1,
		}, true
	}

	counts := make(map[domain.PhotoCategory]int)
	for _, v := range votes {
		counts[v.Category]++
	}
	var winner domain.PhotoCategory
	best := 0
	for cat, n := range counts {
		if n > best {
			winner, best = cat, n
		}
	}

	res := PhotoResolution{Category: winner, Votes: len(votes)}
	switch {
	case best == len(votes) && len(votes) >= 3:
		res.Confidence = 100
	case best >= 2:
		res.Confidence = 85
	default:
		res.Confidence = 60
		res.NeedsReview = true
	}
	return res, true
}
