// Package sourcemap labels every logical field of a record with its origin
// and trust level. The governing principle: only the tax-document string from
// the input file is trusted a priori; every other field must be re-derived
// from an external source. The map is a pure function of the record and is
// never persisted.
package sourcemap

import (
	"github.com/prospectaio/prospecta/pipeline/pkg/crossval"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// Origin identifies where a field value came from.
type Origin string

const (
	OriginInput          Origin = "INPUT"
	OriginCNPJRegistry   Origin = "CNPJ_REGISTRY"
	OriginCPFRegistry    Origin = "CPF_REGISTRY"
	OriginGeocoderA      Origin = "GEOCODER_A"
	OriginGeocoderB      Origin = "GEOCODER_B"
	OriginPlaces         Origin = "PLACES"
	OriginVisionLLM      Origin = "VISION_LLM"
	OriginCrossValidated Origin = "CROSS_VALIDATED"
)

// Baseline confidences per origin.
var baseline = map[Origin]int{
	OriginInput:          30,
	OriginCNPJRegistry:   95,
	OriginCPFRegistry:    95,
	OriginGeocoderA:      90,
	OriginGeocoderB:      85,
	OriginPlaces:         85,
	OriginVisionLLM:      75,
	OriginCrossValidated: 100,
}

// FieldOrigin is the per-field trust record.
type FieldOrigin struct {
	Field           string  `json:"field"`
	Label           string  `json:"label"`
	Value           any     `json:"value"`
	Source          Origin  `json:"source"`
	SecondarySource *Origin `json:"secondary_source,omitempty"`
	Confidence      int     `json:"confidence"`
	Validated       bool    `json:"validated"`
	Divergence      *string `json:"divergence,omitempty"`
}

// Map is the ordered source map of one record. Order is fixed by the build
// sequence so that recomputing yields an identical result.
type Map []FieldOrigin

// Get returns the entry for a field name.
func (m Map) Get(field string) (FieldOrigin, bool) {
	for _, fo := range m {
		if fo.Field == field {
			return fo, true
		}
	}
	return FieldOrigin{}, false
}

// SourceScore is the average confidence across mapped fields with a value,
// used by the analyst decision rubric.
func (m Map) SourceScore() int {
	sum, n := 0, 0
	for _, fo := range m {
		if fo.Value == nil {
			continue
		}
		sum += fo.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / n
}

// ValidatedFields returns the names of fields confirmed by a non-INPUT source.
func (m Map) ValidatedFields() []string {
	var out []string
	for _, fo := range m {
		if fo.Validated {
			out = append(out, fo.Field)
		}
	}
	return out
}

// Build computes the source map from the record's current state.
func Build(r *domain.Record) Map {
	var m Map

	m = append(m, buildDocument(r))
	m = append(m, buildName(r))
	m = append(m, buildAddress(r))
	m = append(m, buildCity(r))
	m = append(m, buildState(r))
	m = append(m, buildPhone(r))
	m = append(m, buildCoordinates(r))
	m = append(m, buildLegalFields(r)...)
	m = append(m, buildPlacesFields(r)...)
	m = append(m, buildVisualFields(r)...)

	return m
}

// buildDocument: the distinguished field. Trusted at 100 once the digit count
// matches; Validated only after a registry confirmed it.
func buildDocument(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:  "document",
		Label:  "Documento (CNPJ/CPF)",
		Value:  nilIfEmpty(r.Document),
		Source: OriginInput,
	}
	if r.DocumentKind == domain.DocumentInvalid {
		fo.Confidence = 0
		return fo
	}
	fo.Confidence = 100
	if r.DocumentValidated {
		fo.Validated = true
		if r.DocumentKind == domain.DocumentCPF {
			fo.SecondarySource = originPtr(OriginCPFRegistry)
		} else {
			fo.SecondarySource = originPtr(OriginCNPJRegistry)
		}
	}
	return fo
}

func buildName(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:      "name",
		Label:      "Nome do estabelecimento",
		Value:      nilIfEmpty(r.NameRaw),
		Source:     OriginInput,
		Confidence: baseline[OriginInput],
	}
	if r.NameRaw == "" {
		fo.Confidence = 0
		return fo
	}
	// Corroborated when the registry trade name or the Places display name
	// matched the raw name.
	if r.TradeName != nil && crossval.Similarity(r.NameRaw, *r.TradeName) >= 70 {
		fo.Source = OriginCNPJRegistry
		fo.SecondarySource = originPtr(OriginInput)
		fo.Confidence = baseline[OriginCNPJRegistry]
		fo.Validated = true
	}
	if r.NomeFantasiaMatch != nil && *r.NomeFantasiaMatch >= 70 {
		if fo.Validated {
			fo.Source = OriginCrossValidated
			fo.Confidence = capConfidence(fo.Confidence + 5)
		} else {
			fo.Source = OriginPlaces
			fo.SecondarySource = originPtr(OriginInput)
			fo.Confidence = baseline[OriginPlaces]
		}
		fo.Validated = true
	}
	return fo
}

func buildAddress(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:      "address",
		Label:      "Endereço",
		Source:     OriginInput,
		Confidence: baseline[OriginInput],
		Value:      nilIfEmpty(r.AddressRaw),
	}
	if r.AddressNormalized != nil && *r.AddressNormalized != "" {
		fo.Value = *r.AddressNormalized
		fo.Source = OriginCrossValidated
		fo.Validated = true
		if r.NormalizationConfidence != nil {
			fo.Confidence = *r.NormalizationConfidence
		} else {
			fo.Confidence = baseline[OriginCrossValidated]
		}
		if r.RegistryAddress != nil {
			fo.SecondarySource = originPtr(OriginCNPJRegistry)
			if crossval.Similarity(*r.AddressNormalized, *r.RegistryAddress) < 50 {
				fo.Confidence = capConfidence(fo.Confidence - 10)
				fo.Divergence = strPtr("normalized address diverges from registry address")
			}
		}
	} else if r.RegistryAddress != nil && *r.RegistryAddress != "" {
		fo.Value = *r.RegistryAddress
		fo.Source = originForKind(r.DocumentKind)
		fo.Confidence = baseline[fo.Source]
		fo.Validated = true
	}
	if fo.Value == nil {
		fo.Confidence = 0
	}
	return fo
}

func buildCity(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:      "city",
		Label:      "Cidade",
		Source:     OriginInput,
		Confidence: baseline[OriginInput],
		Value:      nilIfEmpty(r.CityRaw),
	}
	if r.CityNormalized != nil && *r.CityNormalized != "" {
		fo.Value = *r.CityNormalized
		fo.Source = OriginCrossValidated
		fo.Validated = true
		if r.NormalizationConfidence != nil {
			fo.Confidence = *r.NormalizationConfidence
		}
	}
	if fo.Value == nil {
		fo.Confidence = 0
	}
	return fo
}

func buildState(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:      "state",
		Label:      "UF",
		Source:     OriginInput,
		Confidence: baseline[OriginInput],
		Value:      nilIfEmpty(r.StateRaw),
	}
	if r.StateNormalized != nil && *r.StateNormalized != "" {
		fo.Value = *r.StateNormalized
		fo.Source = OriginCrossValidated
		fo.Validated = true
		if r.NormalizationConfidence != nil {
			fo.Confidence = *r.NormalizationConfidence
		}
		if r.GeoWithinState != nil && !*r.GeoWithinState {
			fo.Confidence = capConfidence(fo.Confidence - 10)
			fo.Divergence = strPtr("geocoded point lies outside the declared state")
		}
	}
	if fo.Value == nil {
		fo.Confidence = 0
	}
	return fo
}

func buildPhone(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field:      "phone",
		Label:      "Telefone",
		Source:     OriginInput,
		Confidence: baseline[OriginInput],
		Value:      nilIfEmpty(r.PhoneRaw),
	}
	if r.PlacePhone != nil && *r.PlacePhone != "" {
		fo.Value = *r.PlacePhone
		fo.Source = OriginPlaces
		fo.Confidence = baseline[OriginPlaces]
		fo.Validated = true
		if r.PhoneRaw != "" {
			fo.SecondarySource = originPtr(OriginInput)
		}
	}
	if fo.Value == nil {
		fo.Confidence = 0
	}
	return fo
}

func buildCoordinates(r *domain.Record) FieldOrigin {
	fo := FieldOrigin{
		Field: "coordinates",
		Label: "Coordenadas",
	}
	if r.Lat == nil || r.Lng == nil {
		fo.Source = OriginInput
		fo.Confidence = 0
		return fo
	}
	fo.Value = []float64{*r.Lat, *r.Lng}
	switch {
	case r.GeocodingSource != nil && *r.GeocodingSource == crossval.SourceGeocoderB:
		fo.Source = OriginGeocoderB
	default:
		fo.Source = OriginGeocoderA
	}
	fo.Confidence = baseline[fo.Source]
	if r.GeocodingConfidence != nil {
		fo.Confidence = *r.GeocodingConfidence
	}
	fo.Validated = true
	if r.GeocodingConfidence != nil && *r.GeocodingConfidence >= 90 {
		// Both geocoders agreed.
		if fo.Source == OriginGeocoderA {
			fo.SecondarySource = originPtr(OriginGeocoderB)
		} else {
			fo.SecondarySource = originPtr(OriginGeocoderA)
		}
	}
	return fo
}

func buildLegalFields(r *domain.Record) []FieldOrigin {
	origin := originForKind(r.DocumentKind)
	var out []FieldOrigin

	if r.DocumentKind == domain.DocumentCPF {
		out = append(out, FieldOrigin{
			Field:      "cpf_name",
			Label:      "Nome (Receita CPF)",
			Value:      deref(r.CPFName),
			Source:     origin,
			Confidence: confidenceIfPresent(r.CPFName, baseline[origin]),
			Validated:  r.CPFName != nil,
		})
		out = append(out, FieldOrigin{
			Field:      "cpf_status",
			Label:      "Situação cadastral CPF",
			Value:      deref(r.CPFStatus),
			Source:     origin,
			Confidence: confidenceIfPresent(r.CPFStatus, baseline[origin]),
			Validated:  r.CPFStatus != nil,
		})
		return out
	}

	out = append(out, FieldOrigin{
		Field:      "legal_name",
		Label:      "Razão social",
		Value:      deref(r.LegalName),
		Source:     origin,
		Confidence: confidenceIfPresent(r.LegalName, baseline[origin]),
		Validated:  r.LegalName != nil,
	})
	out = append(out, FieldOrigin{
		Field:      "trade_name",
		Label:      "Nome fantasia",
		Value:      deref(r.TradeName),
		Source:     origin,
		Confidence: confidenceIfPresent(r.TradeName, baseline[origin]),
		Validated:  r.TradeName != nil,
	})
	out = append(out, FieldOrigin{
		Field:      "registry_status",
		Label:      "Situação cadastral",
		Value:      deref(r.RegistryStatus),
		Source:     origin,
		Confidence: confidenceIfPresent(r.RegistryStatus, baseline[origin]),
		Validated:  r.RegistryStatus != nil,
	})
	out = append(out, FieldOrigin{
		Field:      "main_activity",
		Label:      "Atividade principal (CNAE)",
		Value:      deref(r.MainActivity),
		Source:     origin,
		Confidence: confidenceIfPresent(r.MainActivity, baseline[origin]),
		Validated:  r.MainActivity != nil,
	})
	return out
}

func buildPlacesFields(r *domain.Record) []FieldOrigin {
	var out []FieldOrigin
	conf := baseline[OriginPlaces]
	if r.PlaceCrossConfidence != nil {
		conf = *r.PlaceCrossConfidence
	}
	out = append(out, FieldOrigin{
		Field:      "establishment_type",
		Label:      "Tipo de estabelecimento",
		Value:      deref(r.EstablishmentType),
		Source:     OriginPlaces,
		Confidence: confidenceIfPresent(r.EstablishmentType, conf),
		Validated:  r.EstablishmentType != nil,
	})
	out = append(out, FieldOrigin{
		Field:      "rating",
		Label:      "Avaliação",
		Value:      deref(r.Rating),
		Source:     OriginPlaces,
		Confidence: confidenceIfPresent(r.Rating, conf),
		Validated:  r.Rating != nil,
	})
	return out
}

func buildVisualFields(r *domain.Record) []FieldOrigin {
	var out []FieldOrigin
	conf := baseline[OriginVisionLLM]
	if r.VisualAnalysisConfidence != nil {
		conf = *r.VisualAnalysisConfidence
	}
	var signage any
	if r.SignageQuality != "" {
		signage = string(r.SignageQuality)
	}
	out = append(out, FieldOrigin{
		Field:      "signage_quality",
		Label:      "Qualidade da fachada",
		Value:      signage,
		Source:     OriginVisionLLM,
		Confidence: confidenceIfAny(signage, conf),
		Validated:  signage != nil,
	})
	var prof any
	if r.ProfessionalismLevel != "" {
		prof = string(r.ProfessionalismLevel)
	}
	out = append(out, FieldOrigin{
		Field:      "professionalism_level",
		Label:      "Nível de profissionalismo",
		Value:      prof,
		Source:     OriginVisionLLM,
		Confidence: confidenceIfAny(prof, conf),
		Validated:  prof != nil,
	})
	return out
}

func originForKind(kind domain.DocumentKind) Origin {
	if kind == domain.DocumentCPF {
		return OriginCPFRegistry
	}
	return OriginCNPJRegistry
}

func capConfidence(c int) int {
	if c > 100 {
		return 100
	}
	if c < 0 {
		return 0
	}
	return c
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func confidenceIfPresent[T any](p *T, conf int) int {
	if p == nil {
		return 0
	}
	return conf
}

func confidenceIfAny(v any, conf int) int {
	if v == nil {
		return 0
	}
	return conf
}

func originPtr(o Origin) *Origin { return &o }
func strPtr(s string) *string    { return &s }
