package crossval

import "fmt"

// Address sources, persisted on the record as normalizationSource.
const (
	SourceCrossValidated = "CROSS_VALIDATED"
	SourceLLMA           = "LLM_A"
	SourceLLMB           = "LLM_B"
	SourceRules          = "REGEX"
)

// AddressCandidate is one independently produced normalization of the raw
// address triple.
type AddressCandidate struct {
	Address string   `json:"address"`
	City    string   `json:"city"`
	State   string   `json:"state"`
	Changes []string `json:"changes,omitempty"`
}

// concat joins the three fields for whole-candidate similarity.
func (c AddressCandidate) concat() string {
	return c.Address + ", " + c.City + ", " + c.State
}

// AddressResolution is the outcome of the triple cross-validation.
type AddressResolution struct {
	Chosen         AddressCandidate
	Source         string
	Confidence     int
	Divergences    []string
	HallucinationA bool
	HallucinationB bool
}

// ReconcileAddress applies the triple cross-validation between two LLM
// normalizations and the deterministic rule-based one. Rules are evaluated in
// order; the first match wins. A nil candidate means that LLM was unavailable.
func ReconcileAddress(llmA, llmB *AddressCandidate, rules AddressCandidate) AddressResolution {
	switch {
	case llmA != nil && llmB != nil:
		return reconcileBothLLMs(*llmA, *llmB, rules)
	case llmA != nil:
		return reconcileSingleLLM(*llmA, rules, SourceLLMA, 85, "LLM-A")
	case llmB != nil:
		return reconcileSingleLLM(*llmB, rules, SourceLLMB, 82, "LLM-B")
	default:
		return AddressResolution{
			Chosen:      rules,
			Source:      SourceRules,
			Confidence:  60,
			Divergences: []string{"no LLM normalization available, rule-based only"},
		}
	}
}

func reconcileBothLLMs(a, b AddressCandidate, rules AddressCandidate) AddressResolution {
	simAB := Similarity(a.concat(), b.concat())
	simAR := Similarity(a.concat(), rules.concat())
	simBR := Similarity(b.concat(), rules.concat())

	switch {
	case simAB >= 80 && simAR >= 80 && simBR >= 80:
		return AddressResolution{Chosen: a, Source: SourceCrossValidated, Confidence: 100}
	case simAB >= 90:
		return AddressResolution{Chosen: a, Source: SourceLLMA, Confidence: 98}
	case simAB >= 80:
		return AddressResolution{Chosen: a, Source: SourceLLMA, Confidence: 95}
	case simAB >= 70:
		return AddressResolution{Chosen: a, Source: SourceLLMA, Confidence: 90}
	case simAR >= 75 && simBR < 65:
		return AddressResolution{
			Chosen:         a,
			Source:         SourceLLMA,
			Confidence:     88,
			HallucinationB: true,
			Divergences:    []string{"LLM-B diverged (hallucination flag)"},
		}
	case simBR >= 75 && simAR < 65:
		return AddressResolution{
			Chosen:         b,
			Source:         SourceLLMB,
			Confidence:     88,
			HallucinationA: true,
			Divergences:    []string{"LLM-A diverged (hallucination flag)"},
		}
	default:
		return AddressResolution{
			Chosen:     a,
			Source:     SourceLLMA,
			Confidence: 80,
			Divergences: []string{fmt.Sprintf(
				"all sources disagree (A-B %.0f%%, A-rules %.0f%%, B-rules %.0f%%)",
				simAB, simAR, simBR)},
		}
	}
}

func reconcileSingleLLM(c AddressCandidate, rules AddressCandidate, source string, agreeConfidence int, label string) AddressResolution {
	sim := Similarity(c.concat(), rules.concat())
	if sim >= 60 {
		return AddressResolution{Chosen: c, Source: source, Confidence: agreeConfidence}
	}
	res := AddressResolution{
		Chosen:      rules,
		Source:      SourceRules,
		Confidence:  65,
		Divergences: []string{label + " diverged (hallucination flag)"},
	}
	if source == SourceLLMA {
		res.HallucinationA = true
	} else {
		res.HallucinationB = true
	}
	return res
}
