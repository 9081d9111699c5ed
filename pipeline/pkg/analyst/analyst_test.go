package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	response   string
	err        error
	lastSystem string
	lastUser   string
}

func (f *fakeLLM) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.lastSystem = systemPrompt
	f.lastUser = userPrompt
	return f.response, f.err
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func enrichedRecord() *domain.Record {
	conf := 90
	lat, lng := -23.5613, -46.6565
	return &domain.Record{
		ID:                      uuid.New(),
		Document:                "11222333000181",
		DocumentKind:            domain.DocumentCNPJ,
		DocumentValidated:       true,
		NameRaw:                 "Padaria Pão Quente",
		AddressRaw:              "Rua das Flores 123",
		CityRaw:                 "São Paulo",
		StateRaw:                "SP",
		LegalName:               strPtr("PAO QUENTE LTDA"),
		TradeName:               strPtr("Padaria Pão Quente"),
		RegistryStatus:          strPtr("ATIVA"),
		AddressNormalized:       strPtr("Rua das Flores, 123"),
		CityNormalized:          strPtr("São Paulo"),
		StateNormalized:         strPtr("SP"),
		NormalizationConfidence: &conf,
		Lat:                     &lat,
		Lng:                     &lng,
		GeoValidated:            true,
		GeocodingConfidence:     &conf,
	}
}

func TestBuildContext(t *testing.T) {
	r := enrichedRecord()
	r.NormalizationDivergences = []string{"zip differs from registry"}

	actx := BuildContext(r)

	require.Equal(t, "11222333000181", actx.Document)
	require.Equal(t, "Padaria Pão Quente", actx.RawInput["name"])
	require.NotEmpty(t, actx.SourceMap)
	require.Positive(t, actx.SourceScore)
	require.Contains(t, actx.Divergences, "zip differs from registry")

	// Validated values are grouped by confirming source, never under INPUT.
	require.NotEmpty(t, actx.ValidatedData)
	_, hasInput := actx.ValidatedData["INPUT"]
	require.False(t, hasInput)
}

func TestEvaluateParsesVerdict(t *testing.T) {
	llm := &fakeLLM{response: `Here is my assessment:
` + "```json\n" + `{
  "status": "APPROVED",
  "confidence_overall": 91,
  "trusted_fields": ["document", "legal_name"],
  "executive_summary": "Active bakery, registry and location agree.",
  "typology_code": "F1",
  "typology_name": "Padaria de bairro",
  "typology_confidence": 80
}` + "\n```"}
	a := New(slog.New(slog.DiscardHandler), llm)

	v, actx, err := a.Evaluate(context.Background(), enrichedRecord())
	require.NoError(t, err)
	require.Equal(t, domain.AnalystApproved, v.Status)
	require.Equal(t, 91, v.ConfidenceOverall)
	require.Equal(t, "F1", *v.TypologyCode)

	// The model consumed the serialized context.
	var sent Context
	require.NoError(t, json.Unmarshal([]byte(llm.lastUser), &sent))
	require.Equal(t, actx.Document, sent.Document)
	require.Contains(t, llm.lastSystem, "APPROVED_WITH_CAVEATS")
}

func TestEvaluateUnparseableOutputDegrades(t *testing.T) {
	llm := &fakeLLM{response: "I think this one looks fine overall."}
	a := New(slog.New(slog.DiscardHandler), llm)

	v, actx, err := a.Evaluate(context.Background(), enrichedRecord())
	require.NoError(t, err)
	want := RubricStatus(actx.SourceScore, false, len(actx.Divergences) > 0, len(actx.ValidatedData) > 0)
	require.Equal(t, want, v.Status)
	require.Equal(t, 40, v.ConfidenceOverall)
	require.Contains(t, v.CriticalAlerts, "LLM output unparseable")
}

func TestEvaluateUnknownStatusDegrades(t *testing.T) {
	llm := &fakeLLM{response: `{"status": "MAYBE", "confidence_overall": 70, "executive_summary": "x"}`}
	a := New(slog.New(slog.DiscardHandler), llm)

	v, _, err := a.Evaluate(context.Background(), enrichedRecord())
	require.NoError(t, err)
	require.Equal(t, 40, v.ConfidenceOverall)
	require.Contains(t, v.CriticalAlerts, "LLM output unparseable")
}

// The fallback derives its status from the deterministic rubric instead of a
// fixed REQUIRES_REVIEW.
func TestFallbackVerdictFollowsRubric(t *testing.T) {
	llm := &fakeLLM{response: "no verdict today"}
	a := New(slog.New(slog.DiscardHandler), llm)

	// Nothing validated: input-only confidence lands in the review band.
	bare := &domain.Record{
		ID:           uuid.New(),
		Document:     "11222333000181",
		DocumentKind: domain.DocumentCNPJ,
		NameRaw:      "Padaria Pão Quente",
		AddressRaw:   "Rua das Flores 123",
		CityRaw:      "São Paulo",
		StateRaw:     "SP",
	}
	v, _, err := a.Evaluate(context.Background(), bare)
	require.NoError(t, err)
	require.Equal(t, domain.AnalystRequiresReview, v.Status)

	// A critical alert rejects regardless of score.
	r := enrichedRecord()
	r.Alerts = []string{"CRITICAL: establishment inactive in registry"}
	v, _, err = a.Evaluate(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, domain.AnalystRejected, v.Status)
}

func TestEvaluateModelErrorPropagates(t *testing.T) {
	llm := &fakeLLM{err: fmt.Errorf("overloaded")}
	a := New(slog.New(slog.DiscardHandler), llm)

	_, _, err := a.Evaluate(context.Background(), enrichedRecord())
	require.ErrorContains(t, err, "failed to complete analyst verdict")
}

func TestRubricStatus(t *testing.T) {
	tests := []struct {
		name                string
		score               int
		critical            bool
		divergence          bool
		validatedByExternal bool
		want                domain.AnalystStatus
	}{
		{"high score validated", 85, false, false, true, domain.AnalystApproved},
		{"high score unvalidated", 85, false, false, false, domain.AnalystApprovedCaveats},
		{"mid score clean", 70, false, false, false, domain.AnalystApprovedCaveats},
		{"mid score divergent", 70, false, true, false, domain.AnalystRequiresReview},
		{"low band", 50, false, true, false, domain.AnalystRequiresReview},
		{"critical alert", 90, true, false, true, domain.AnalystRejected},
		{"very low score", 30, false, false, false, domain.AnalystRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RubricStatus(tt.score, tt.critical, tt.divergence, tt.validatedByExternal)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestApplyPersistsVerdictAndTypology(t *testing.T) {
	r := enrichedRecord()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	Apply(r, Verdict{
		Status:             domain.AnalystApprovedCaveats,
		ConfidenceOverall:  72,
		DivergencesFound:   []string{"address differs from registry"},
		SecondaryAlerts:    []string{"no website found"},
		ExecutiveSummary:   "Solid lead with one caveat.",
		TypologyCode:       strPtr("H3"),
		TypologyName:       strPtr("Hamburgueria"),
		TypologyConfidence: intPtr(77),
	}, now)

	require.Equal(t, domain.AnalystApprovedCaveats, r.AnalystStatus)
	require.Equal(t, 72, *r.AnalystConfidence)
	require.Equal(t, "Solid lead with one caveat.", *r.AnalystSummary)
	require.Equal(t, []string{"address differs from registry"}, r.AnalystDivergences)
	require.Equal(t, "H3", *r.TypologyCode)
	require.Equal(t, 77, *r.TypologyConfidence)
	require.Equal(t, now, *r.AnalystProcessedAt)
}

func TestApplyWithoutTypologyKeepsExisting(t *testing.T) {
	r := enrichedRecord()
	r.TypologyCode = strPtr("F2")

	Apply(r, Verdict{Status: domain.AnalystApproved, ConfidenceOverall: 90}, time.Now())
	require.Equal(t, "F2", *r.TypologyCode)
}
