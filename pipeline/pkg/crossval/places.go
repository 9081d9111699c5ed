package crossval

import (
	"fmt"
	"regexp"
	"strings"
)

// SourcePlaces is persisted when a Places lookup supplies the value.
const SourcePlaces = "PLACES"

// PlaceCandidate is one Places search result, from either search mode.
type PlaceCandidate struct {
	PlaceID          string
	DisplayName      string
	FormattedAddress string
}

// PlacesInput carries the record fields consulted when validating a Places
// result, in descending order of trust.
type PlacesInput struct {
	NameRaw           string
	TradeName         string
	AddressNormalized string
	RegistryAddress   string
	AddressRaw        string
}

// PlacesResolution is the outcome of the Places cross-validation.
type PlacesResolution struct {
	Chosen                PlaceCandidate
	Method                string // nearby | text | both_match
	Confidence            int
	NameSim               float64
	AddressSim            float64
	NameValidated         bool
	AddressValidated      bool
	AcceptedByHighAddress bool
	Divergences           []string
}

var genericAddressName = regexp.MustCompile(`(?i)^(rua|avenida|alameda|travessa|rodovia|estrada|praça|praca|largo)\b`)

// ReconcilePlaces reconciles the nearby-mode and text-mode results. Matching
// place IDs give confidence 100. Otherwise names and addresses are compared by
// semantic similarity against dynamic thresholds, with a hybrid acceptance
// clause where strong address corroboration overrides a weak name match.
// Returns ok=false when neither mode produced a usable, validated result.
func ReconcilePlaces(nearby, text *PlaceCandidate, in PlacesInput) (PlacesResolution, bool) {
	if nearby == nil && text == nil {
		return PlacesResolution{}, false
	}

	if nearby != nil && text != nil && nearby.PlaceID != "" && nearby.PlaceID == text.PlaceID {
		return PlacesResolution{
			Chosen:           *nearby,
			Method:           "both_match",
			Confidence:       100,
			NameValidated:    true,
			AddressValidated: true,
			NameSim:          100,
			AddressSim:       100,
		}, true
	}

	// Prefer the nearby result when both are present but disagree.
	candidates := []struct {
		c      *PlaceCandidate
		method string
	}{{nearby, "nearby"}, {text, "text"}}

	var best *PlacesResolution
	for _, cand := range candidates {
		if cand.c == nil {
			continue
		}
		res := validateCandidate(*cand.c, cand.method, in)
		if res.NameValidated && res.AddressValidated {
			if best == nil || res.Confidence > best.Confidence {
				r := res
				best = &r
			}
		}
	}
	if best != nil {
		if nearby != nil && text != nil {
			best.Divergences = append(best.Divergences,
				fmt.Sprintf("nearby and text modes returned different places (%s vs %s)",
					nearby.PlaceID, text.PlaceID))
		}
		return *best, true
	}
	return PlacesResolution{}, false
}

func validateCandidate(c PlaceCandidate, method string, in PlacesInput) PlacesResolution {
	nameSim := bestSimilarity(c.DisplayName, in.NameRaw, in.TradeName)
	addressSim := bestSimilarity(c.FormattedAddress, in.AddressNormalized, in.RegistryAddress, in.AddressRaw)

	// Thresholds depend on the shape of the result.
	nameThresh, addrThresh := 55.0, 65.0
	switch {
	case genericAddressName.MatchString(strings.TrimSpace(c.DisplayName)):
		nameThresh, addrThresh = 50, 70
	case method == "text":
		nameThresh, addrThresh = 50, 60
	}

	res := PlacesResolution{
		Chosen:     c,
		Method:     method,
		NameSim:    nameSim,
		AddressSim: addressSim,
	}

	if nameSim >= nameThresh && addressSim >= addrThresh {
		res.NameValidated = true
		res.AddressValidated = true
		res.Confidence = confidenceFromSims(nameSim, addressSim)
		return res
	}

	// Hybrid acceptance: location corroboration overrides name mismatch.
	if addressSim >= 68 && nameSim >= 45 {
		res.NameValidated = true
		res.AddressValidated = true
		res.AcceptedByHighAddress = true
		res.Confidence = confidenceFromSims(nameSim, addressSim) - 5
		res.Divergences = append(res.Divergences,
			fmt.Sprintf("accepted on address corroboration (name %.0f%%, address %.0f%%)",
				nameSim, addressSim))
		return res
	}

	res.Divergences = append(res.Divergences,
		fmt.Sprintf("%s result rejected (name %.0f%% < %.0f%% or address %.0f%% < %.0f%%)",
			method, nameSim, nameThresh, addressSim, addrThresh))
	return res
}

// confidenceFromSims maps validated similarity pairs onto [70..95].
func confidenceFromSims(nameSim, addressSim float64) int {
	avg := (nameSim + addressSim) / 2
	conf := 70 + int(avg/4)
	if conf > 95 {
		conf = 95
	}
	return conf
}

// bestSimilarity returns the max similarity between target and each non-empty
// reference.
func bestSimilarity(target string, refs ...string) float64 {
	best := 0.0
	for _, r := range refs {
		if strings.TrimSpace(r) == "" {
			continue
		}
		if s := Similarity(target, r); s > best {
			best = s
		}
	}
	return best
}
