// Package analyst implements the final pipeline stage: assemble everything
// known about a record into a structured context, ask the reasoning model for
// a holistic verdict, and fall back to a fixed rubric when the model's output
// cannot be used.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/prospectaio/prospecta/pipeline/pkg/providers"
	"github.com/prospectaio/prospecta/pipeline/pkg/sourcemap"
)

// Context is the exact structured input the analyst stage consumes. It is
// recomputable on demand for the analyst-context endpoint.
type Context struct {
	Document     string              `json:"document"`
	DocumentKind domain.DocumentKind `json:"document_kind"`

	// RawInput is untrusted except for the document.
	RawInput map[string]string `json:"raw_input"`

	SourceMap   sourcemap.Map `json:"source_map"`
	SourceScore int           `json:"source_score"`

	// ValidatedData groups confirmed values by the source that confirmed them.
	ValidatedData map[string]map[string]any `json:"validated_data"`

	Alerts      []string `json:"alerts,omitempty"`
	Divergences []string `json:"divergences,omitempty"`

	DuplicateCount int   `json:"duplicate_count"`
	CPFIsPartner   *bool `json:"cpf_is_partner,omitempty"`
}

// BuildContext computes the analyst input from the record's current state.
func BuildContext(r *domain.Record) Context {
	m := sourcemap.Build(r)

	validated := make(map[string]map[string]any)
	for _, fo := range m {
		if !fo.Validated || fo.Value == nil {
			continue
		}
		src := string(fo.Source)
		if validated[src] == nil {
			validated[src] = make(map[string]any)
		}
		validated[src][fo.Field] = fo.Value
	}

	var divergences []string
	for _, fo := range m {
		if fo.Divergence != nil {
			divergences = append(divergences, fmt.Sprintf("%s: %s", fo.Field, *fo.Divergence))
		}
	}
	divergences = append(divergences, r.NormalizationDivergences...)

	return Context{
		Document:     r.Document,
		DocumentKind: r.DocumentKind,
		RawInput: map[string]string{
			"name":    r.NameRaw,
			"address": r.AddressRaw,
			"city":    r.CityRaw,
			"state":   r.StateRaw,
			"phone":   r.PhoneRaw,
			"zip":     r.ZipRaw,
		},
		SourceMap:      m,
		SourceScore:    m.SourceScore(),
		ValidatedData:  validated,
		Alerts:         r.Alerts,
		Divergences:    divergences,
		DuplicateCount: r.DuplicateCount,
		CPFIsPartner:   r.CPFIsPartner,
	}
}

// Verdict is the parsed model output.
type Verdict struct {
	Status             domain.AnalystStatus `json:"status"`
	ConfidenceOverall  int                  `json:"confidence_overall"`
	TrustedFields      []string             `json:"trusted_fields,omitempty"`
	UntrustedFields    []string             `json:"untrusted_fields,omitempty"`
	DivergencesFound   []string             `json:"divergences_found,omitempty"`
	CriticalAlerts     []string             `json:"critical_alerts,omitempty"`
	SecondaryAlerts    []string             `json:"secondary_alerts,omitempty"`
	Recommendations    []string             `json:"recommendations,omitempty"`
	ExecutiveSummary   string               `json:"executive_summary"`
	TypologyCode       *string              `json:"typology_code,omitempty"`
	TypologyName       *string              `json:"typology_name,omitempty"`
	TypologyConfidence *int                 `json:"typology_confidence,omitempty"`
}

const systemPrompt = `You are a senior commercial analyst reviewing enriched data about a Brazilian
establishment. You receive a structured context: the anchor tax document, the
untrusted raw input, a per-field source map with confidence levels, the values
validated by external sources, and the alerts and divergences already found.

Issue a verdict following this rubric:
- APPROVED: source score >= 80, no critical alerts, primary fields validated by at least one non-INPUT source.
- APPROVED_WITH_CAVEATS: source score 60-79, no critical divergences.
- REQUIRES_REVIEW: source score 40-59, or divergences found.
- REJECTED: source score < 40, or any critical alert (inactive in registry, severe divergence, missing document).

Respond with a single JSON object and nothing else:
{"status": "...", "confidence_overall": 0-100, "trusted_fields": [], "untrusted_fields": [],
"divergences_found": [], "critical_alerts": [], "secondary_alerts": [], "recommendations": [],
"executive_summary": "...", "typology_code": "...", "typology_name": "...", "typology_confidence": 0-100}

typology_code is a letter-digit class (e.g. "F1", "H3") for the sales team; omit
the typology fields if the data does not support a classification.`

// Analyst runs the verdict stage.
type Analyst struct {
	log *slog.Logger
	llm providers.TextCompleter
}

func New(log *slog.Logger, llm providers.TextCompleter) *Analyst {
	return &Analyst{log: log, llm: llm}
}

// Evaluate builds the context, consults the model and returns the verdict.
// A failed call is an error (the job retries); unusable output is not, it
// degrades to the fallback verdict.
func (a *Analyst) Evaluate(ctx context.Context, r *domain.Record) (Verdict, Context, error) {
	actx := BuildContext(r)

	payload, err := json.MarshalIndent(actx, "", "  ")
	if err != nil {
		return Verdict{}, actx, fmt.Errorf("failed to encode analyst context: %w", err)
	}

	resp, err := a.llm.Complete(ctx, systemPrompt, string(payload))
	if err != nil {
		return Verdict{}, actx, fmt.Errorf("failed to complete analyst verdict: %w", err)
	}

	verdict, err := parseVerdict(resp)
	if err != nil {
		a.log.Warn("analyst: unparseable model output, using fallback verdict",
			"record", r.ID, "error", err)
		return fallbackVerdict(actx), actx, nil
	}
	return verdict, actx, nil
}

func parseVerdict(resp string) (Verdict, error) {
	var v Verdict
	if err := json.Unmarshal([]byte(extractJSON(resp)), &v); err != nil {
		return Verdict{}, fmt.Errorf("failed to parse verdict JSON: %w", err)
	}
	switch v.Status {
	case domain.AnalystApproved, domain.AnalystApprovedCaveats,
		domain.AnalystRejected, domain.AnalystRequiresReview:
	default:
		return Verdict{}, fmt.Errorf("unknown verdict status %q", v.Status)
	}
	if v.ConfidenceOverall < 0 || v.ConfidenceOverall > 100 {
		return Verdict{}, fmt.Errorf("confidence %d out of range", v.ConfidenceOverall)
	}
	return v, nil
}

// fallbackVerdict classifies by the deterministic rubric when the model's
// output cannot be used. ValidatedData never groups values under INPUT, so
// any entry means an external source confirmed something.
func fallbackVerdict(actx Context) Verdict {
	critical := false
	for _, alert := range actx.Alerts {
		if strings.HasPrefix(alert, "CRITICAL") {
			critical = true
			break
		}
	}
	status := RubricStatus(actx.SourceScore, critical, len(actx.Divergences) > 0, len(actx.ValidatedData) > 0)
	return Verdict{
		Status:            status,
		ConfidenceOverall: 40,
		CriticalAlerts:    []string{"LLM output unparseable"},
		ExecutiveSummary:  "Automatic rubric verdict: the analyst model returned output that could not be parsed.",
	}
}

// RubricStatus is the deterministic safety-net classification.
func RubricStatus(sourceScore int, hasCriticalAlert, hasDivergence, validatedByExternal bool) domain.AnalystStatus {
	switch {
	case hasCriticalAlert || sourceScore < 40:
		return domain.AnalystRejected
	case sourceScore >= 80 && validatedByExternal:
		return domain.AnalystApproved
	case sourceScore >= 60 && !hasDivergence:
		return domain.AnalystApprovedCaveats
	default:
		return domain.AnalystRequiresReview
	}
}

// Apply persists the verdict onto the record, including the typology copy.
func Apply(r *domain.Record, v Verdict, now time.Time) {
	r.AnalystStatus = v.Status
	r.AnalystConfidence = &v.ConfidenceOverall
	summary := v.ExecutiveSummary
	r.AnalystSummary = &summary
	r.AnalystCriticalAlerts = v.CriticalAlerts
	r.AnalystSecondaryAlerts = v.SecondaryAlerts
	r.AnalystRecommendations = v.Recommendations
	r.AnalystDivergences = v.DivergencesFound
	r.AnalystProcessedAt = &now

	if v.TypologyCode != nil {
		r.TypologyCode = v.TypologyCode
		r.TypologyName = v.TypologyName
		r.TypologyConfidence = v.TypologyConfidence
	}
}

// extractJSON pulls the first JSON object out of a response that may carry a
// markdown code fence or surrounding prose.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
