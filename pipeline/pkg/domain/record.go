// Package domain holds the entities moved through the enrichment pipeline:
// records, photos and batch ledgers, plus the document (CNPJ/CPF) rules that
// anchor everything else.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// DocumentKind classifies the anchor tax document by digit count.
type DocumentKind string

const (
	DocumentCNPJ    DocumentKind = "CNPJ"
	DocumentCPF     DocumentKind = "CPF"
	DocumentInvalid DocumentKind = "INVALID"
)

// Stage identifies one step of the pipeline. Duplicate detection runs on its
// own queue but does not carry a per-record stage status.
type Stage string

const (
	StageDocLookup     Stage = "doc_lookup"
	StageNormalization Stage = "normalization"
	StageGeocoding     Stage = "geocoding"
	StagePlaces        Stage = "places"
	StageAnalysis      Stage = "analysis"
	StageAnalyst       Stage = "analyst"
)

// Stages lists the record stages in pipeline order.
var Stages = []Stage{
	StageDocLookup,
	StageNormalization,
	StageGeocoding,
	StagePlaces,
	StageAnalysis,
	StageAnalyst,
}

// StageStatus is the per-stage state machine:
// PENDING -> PROCESSING -> {SUCCESS, FAIL, INCOMPLETE, NOT_APPLICABLE}.
// Terminal states are re-armed only by the operator reset-stuck action.
type StageStatus string

const (
	StatusPending       StageStatus = "PENDING"
	StatusProcessing    StageStatus = "PROCESSING"
	StatusSuccess       StageStatus = "SUCCESS"
	StatusFail          StageStatus = "FAIL"
	StatusIncomplete    StageStatus = "INCOMPLETE"
	StatusNotApplicable StageStatus = "NOT_APPLICABLE"
)

// Terminal reports whether s is a terminal stage status.
func (s StageStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFail, StatusIncomplete, StatusNotApplicable:
		return true
	}
	return false
}

// StageState is the persisted state of one stage on one record.
type StageState struct {
	Status     StageStatus `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Error      *string     `json:"error,omitempty"`
}

// StageSet carries the six per-record stage states.
type StageSet struct {
	DocLookup     StageState `json:"doc_lookup"`
	Normalization StageState `json:"normalization"`
	Geocoding     StageState `json:"geocoding"`
	Places        StageState `json:"places"`
	Analysis      StageState `json:"analysis"`
	Analyst       StageState `json:"analyst"`
}

// Get returns the state for the given stage.
func (ss *StageSet) Get(stage Stage) StageState {
	switch stage {
	case StageDocLookup:
		return ss.DocLookup
	case StageNormalization:
		return ss.Normalization
	case StageGeocoding:
		return ss.Geocoding
	case StagePlaces:
		return ss.Places
	case StageAnalysis:
		return ss.Analysis
	case StageAnalyst:
		return ss.Analyst
	}
	return StageState{}
}

// Set replaces the state for the given stage.
func (ss *StageSet) Set(stage Stage, st StageState) {
	switch stage {
	case StageDocLookup:
		ss.DocLookup = st
	case StageNormalization:
		ss.Normalization = st
	case StageGeocoding:
		ss.Geocoding = st
	case StagePlaces:
		ss.Places = st
	case StageAnalysis:
		ss.Analysis = st
	case StageAnalyst:
		ss.Analyst = st
	}
}

// PendingStages returns a fresh StageSet with every stage PENDING.
func PendingStages() StageSet {
	var ss StageSet
	for _, stage := range Stages {
		ss.Set(stage, StageState{Status: StatusPending})
	}
	return ss
}

// Partner is one QSA entry of a company registry record.
type Partner struct {
	Name  string `json:"name"`
	TaxID string `json:"tax_id"`
	Role  string `json:"role"`
	Since string `json:"since,omitempty"`
}

// FiscalRegistration is a per-state fiscal registration of a company.
type FiscalRegistration struct {
	Number  string `json:"number"`
	State   string `json:"state"`
	Status  string `json:"status"`
	Enabled bool   `json:"enabled"`
}

// SignageQuality grades the storefront signage seen in photos.
type SignageQuality string

const (
	SignageExcellent SignageQuality = "EXCELLENT"
	SignageGood      SignageQuality = "GOOD"
	SignageFair      SignageQuality = "FAIR"
	SignagePoor      SignageQuality = "POOR"
)

// ProfessionalismLevel grades overall visual professionalism.
type ProfessionalismLevel string

const (
	ProfessionalismHigh   ProfessionalismLevel = "HIGH"
	ProfessionalismMedium ProfessionalismLevel = "MEDIUM"
	ProfessionalismLow    ProfessionalismLevel = "LOW"
)

// PotentialCategory buckets the 0..70 potential score.
type PotentialCategory string

const (
	PotentialHigh   PotentialCategory = "HIGH"
	PotentialMedium PotentialCategory = "MEDIUM"
	PotentialLow    PotentialCategory = "LOW"
)

// ConfidenceCategory buckets the 0..100 universal confidence.
type ConfidenceCategory string

const (
	ConfidenceExcellent ConfidenceCategory = "EXCELLENT"
	ConfidenceHigh      ConfidenceCategory = "HIGH"
	ConfidenceMedium    ConfidenceCategory = "MEDIUM"
	ConfidenceLow       ConfidenceCategory = "LOW"
)

// ConfidenceLevel is the traffic-light rendering of the universal confidence.
type ConfidenceLevel string

const (
	LevelGreen  ConfidenceLevel = "GREEN"
	LevelYellow ConfidenceLevel = "YELLOW"
	LevelOrange ConfidenceLevel = "ORANGE"
	LevelRed    ConfidenceLevel = "RED"
)

// AnalystStatus is the holistic verdict on a record.
type AnalystStatus string

const (
	AnalystApproved        AnalystStatus = "APPROVED"
	AnalystApprovedCaveats AnalystStatus = "APPROVED_WITH_CAVEATS"
	AnalystRejected        AnalystStatus = "REJECTED"
	AnalystRequiresReview  AnalystStatus = "REQUIRES_REVIEW"
)

// PlaceCrossMethod records how the two Places search modes were reconciled.
type PlaceCrossMethod string

const (
	PlaceMethodNearby    PlaceCrossMethod = "nearby"
	PlaceMethodText      PlaceCrossMethod = "text"
	PlaceMethodBothMatch PlaceCrossMethod = "both_match"
)

// DataQualityTier buckets the 0..100 data quality score.
type DataQualityTier string

const (
	QualityPoor      DataQualityTier = "POOR"
	QualityFair      DataQualityTier = "FAIR"
	QualityHigh      DataQualityTier = "HIGH"
	QualityExcellent DataQualityTier = "EXCELLENT"
)

// CPFPartnerRelation links a CPF record to a company whose QSA lists it.
type CPFPartnerRelation struct {
	CompanyID   uuid.UUID `json:"company_id"`
	CompanyName string    `json:"company_name"`
	CompanyCNPJ string    `json:"company_cnpj"`
	PartnerRole string    `json:"partner_role"`
	Since       string    `json:"since,omitempty"`
}

// Record is the central entity, mutated as it moves through the pipeline.
// Only Document is trusted from the input file; every other raw field must be
// re-derived or corroborated by an external source.
type Record struct {
	ID           uuid.UUID    `json:"id"`
	Document     string       `json:"document"`
	DocumentKind DocumentKind `json:"document_kind"`

	// Raw input fields (untrusted except for Document).
	NameRaw    string `json:"name_raw"`
	AddressRaw string `json:"address_raw"`
	CityRaw    string `json:"city_raw"`
	StateRaw   string `json:"state_raw"`
	PhoneRaw   string `json:"phone_raw"`
	ZipRaw     string `json:"zip_raw"`
	// ServiceTypeRaw is an optional free-form hint about the line of business.
	ServiceTypeRaw string `json:"service_type_raw,omitempty"`

	// Registry-derived (CNPJ).
	LegalName           *string              `json:"legal_name,omitempty"`
	TradeName           *string              `json:"trade_name,omitempty"`
	RegistryAddress     *string              `json:"registry_address,omitempty"`
	RegistryStatus      *string              `json:"registry_status,omitempty"`
	OpeningDate         *time.Time           `json:"opening_date,omitempty"`
	LegalNature         *string              `json:"legal_nature,omitempty"`
	MainActivity        *string              `json:"main_activity,omitempty"`
	SimplesNacional     *bool                `json:"simples_nacional,omitempty"`
	MEIOptant           *bool                `json:"mei_optant,omitempty"`
	FiscalRegistrations []FiscalRegistration `json:"fiscal_registrations,omitempty"`
	Partners            []Partner            `json:"partners,omitempty"`
	Capital             *float64             `json:"capital,omitempty"`
	CompanySize         *string              `json:"company_size,omitempty"`

	// Registry-derived (CPF).
	CPFName     *string    `json:"cpf_name,omitempty"`
	CPFStatus   *string    `json:"cpf_status,omitempty"`
	CPFBirth    *time.Time `json:"cpf_birth,omitempty"`
	CPFDeceased *bool      `json:"cpf_deceased,omitempty"`

	DocumentValidated bool `json:"document_validated"`
	AddressDivergence bool `json:"address_divergence"`

	// Normalization.
	AddressNormalized        *string  `json:"address_normalized,omitempty"`
	CityNormalized           *string  `json:"city_normalized,omitempty"`
	StateNormalized          *string  `json:"state_normalized,omitempty"`
	NormalizationConfidence  *int     `json:"normalization_confidence,omitempty"`
	NormalizationSource      *string  `json:"normalization_source,omitempty"`
	NormalizationDivergences []string `json:"normalization_divergences,omitempty"`

	// Geocoding.
	Lat                          *float64 `json:"lat,omitempty"`
	Lng                          *float64 `json:"lng,omitempty"`
	FormattedAddress             *string  `json:"formatted_address,omitempty"`
	PlaceHint                    *string  `json:"place_hint,omitempty"`
	GeoValidated                 bool     `json:"geo_validated"`
	GeoWithinState               *bool    `json:"geo_within_state,omitempty"`
	GeoWithinCity                *bool    `json:"geo_within_city,omitempty"`
	GeoDistanceToCenterMeters    *float64 `json:"geo_distance_to_center_meters,omitempty"`
	GeocodingConfidence          *int     `json:"geocoding_confidence,omitempty"`
	GeocodingSource              *string  `json:"geocoding_source,omitempty"`
	GeocodingMaxDivergenceMeters *float64 `json:"geocoding_max_divergence_meters,omitempty"`

	// Places.
	PlaceID               *string          `json:"place_id,omitempty"`
	EstablishmentType     *string          `json:"establishment_type,omitempty"`
	PlaceTypesPrimary     *string          `json:"place_types_primary,omitempty"`
	Rating                *float64         `json:"rating,omitempty"`
	ReviewCount           *int             `json:"review_count,omitempty"`
	OpeningHours          OpeningHours     `json:"opening_hours,omitempty"`
	PlacePhone            *string          `json:"place_phone,omitempty"`
	PlaceWebsite          *string          `json:"place_website,omitempty"`
	PlaceNameValidated    bool             `json:"place_name_validated"`
	PlaceAddressValidated bool             `json:"place_address_validated"`
	PlaceCrossConfidence  *int             `json:"place_cross_confidence,omitempty"`
	PlaceCrossMethod      PlaceCrossMethod `json:"place_cross_method,omitempty"`
	AcceptedByHighAddress bool             `json:"accepted_by_high_address"`
	NomeFantasiaMatch     *int             `json:"nome_fantasia_match,omitempty"`

	// Visual analysis.
	SignageQuality           SignageQuality       `json:"signage_quality,omitempty"`
	BrandingPresent          *bool                `json:"branding_present,omitempty"`
	ProfessionalismLevel     ProfessionalismLevel `json:"professionalism_level,omitempty"`
	Audience                 *string              `json:"audience,omitempty"`
	Ambience                 *string              `json:"ambience,omitempty"`
	VisualIndicators         map[string]any       `json:"visual_indicators,omitempty"`
	VisualAnalysisConfidence *int                 `json:"visual_analysis_confidence,omitempty"`
	AnalysisSourcesAvailable int                  `json:"analysis_sources_available"`

	// Scoring.
	PotentialScore    *int              `json:"potential_score,omitempty"`
	PotentialCategory PotentialCategory `json:"potential_category,omitempty"`
	ScoringBreakdown  map[string]int    `json:"scoring_breakdown,omitempty"`

	// Typology.
	TypologyCode       *string `json:"typology_code,omitempty"`
	TypologyName       *string `json:"typology_name,omitempty"`
	TypologyConfidence *int    `json:"typology_confidence,omitempty"`
	TypologyRationale  *string `json:"typology_rationale,omitempty"`

	// Data quality.
	DataQualityScore      *int            `json:"data_quality_score,omitempty"`
	DataQualityTier       DataQualityTier `json:"data_quality_tier,omitempty"`
	PopulatedFieldCount   int             `json:"populated_field_count"`
	CriticalMissingFields []string        `json:"critical_missing_fields,omitempty"`
	ValidatedSources      []string        `json:"validated_sources,omitempty"`

	// Duplicates.
	DuplicateAddressIDs []uuid.UUID         `json:"duplicate_address_ids,omitempty"`
	DuplicateCount      int                 `json:"duplicate_count"`
	DuplicateAlert      bool                `json:"duplicate_alert"`
	CPFIsPartner        *bool               `json:"cpf_is_partner,omitempty"`
	CPFPartnerRelation  *CPFPartnerRelation `json:"cpf_partner_relation,omitempty"`

	// Universal confidence.
	ConfidenceOverall  *int               `json:"confidence_overall,omitempty"`
	ConfidenceCategory ConfidenceCategory `json:"confidence_category,omitempty"`
	ConfidenceLevel    ConfidenceLevel    `json:"confidence_level,omitempty"`
	NeedsReview        bool               `json:"needs_review"`
	Alerts             []string           `json:"alerts,omitempty"`
	Recommendations    []string           `json:"recommendations,omitempty"`

	// Analyst verdict.
	AnalystStatus          AnalystStatus `json:"analyst_status,omitempty"`
	AnalystConfidence      *int          `json:"analyst_confidence,omitempty"`
	AnalystSummary         *string       `json:"analyst_summary,omitempty"`
	AnalystCriticalAlerts  []string      `json:"analyst_critical_alerts,omitempty"`
	AnalystSecondaryAlerts []string      `json:"analyst_secondary_alerts,omitempty"`
	AnalystRecommendations []string      `json:"analyst_recommendations,omitempty"`
	AnalystDivergences     []string      `json:"analyst_divergences,omitempty"`
	AnalystProcessedAt     *time.Time    `json:"analyst_processed_at,omitempty"`

	Stages StageSet `json:"stages"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RegistryActive reports whether the company registry lists the record as active.
func (r *Record) RegistryActive() bool {
	return r.RegistryStatus != nil && (*r.RegistryStatus == "ATIVA" || *r.RegistryStatus == "ACTIVE")
}

// BestName returns the most trustworthy establishment name currently known.
func (r *Record) BestName() string {
	if r.TradeName != nil && *r.TradeName != "" {
		return *r.TradeName
	}
	return r.NameRaw
}

// BestAddress returns the best address for geocoding, in trust order.
func (r *Record) BestAddress() string {
	if r.AddressNormalized != nil && *r.AddressNormalized != "" {
		return *r.AddressNormalized
	}
	if r.RegistryAddress != nil && *r.RegistryAddress != "" {
		return *r.RegistryAddress
	}
	return r.AddressRaw
}

// BestCity returns the normalized city when available, else the raw one.
func (r *Record) BestCity() string {
	if r.CityNormalized != nil && *r.CityNormalized != "" {
		return *r.CityNormalized
	}
	return r.CityRaw
}

// BestState returns the normalized 2-letter state code when available.
func (r *Record) BestState() string {
	if r.StateNormalized != nil && *r.StateNormalized != "" {
		return *r.StateNormalized
	}
	return r.StateRaw
}
