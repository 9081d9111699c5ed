package domain

import (
	"time"

	"github.com/google/uuid"
)

// PhotoCategory classifies a establishment photo by its subject.
type PhotoCategory string

const (
	PhotoFacade   PhotoCategory = "FACADE"
	PhotoInterior PhotoCategory = "INTERIOR"
	PhotoProduct  PhotoCategory = "PRODUCT"
	PhotoMenu     PhotoCategory = "MENU"
	PhotoOther    PhotoCategory = "OTHER"
)

// Photo belongs to exactly one record. Either FileName points into local
// photo storage or ExternalRef is used to re-fetch bytes from the Places
// provider on demand.
type Photo struct {
	ID                 uuid.UUID      `json:"id"`
	RecordID           uuid.UUID      `json:"record_id"`
	FileName           *string        `json:"file_name,omitempty"`
	ExternalRef        *string        `json:"external_ref,omitempty"`
	Ordinal            int            `json:"ordinal"`
	Category           PhotoCategory  `json:"category,omitempty"`
	CategoryConfidence *int           `json:"category_confidence,omitempty"`
	FileHash           *string        `json:"file_hash,omitempty"`
	AnalyzedByAI       bool           `json:"analyzed_by_ai"`
	AnalysisResult     map[string]any `json:"analysis_result,omitempty"`
	AnalyzedAt         *time.Time     `json:"analyzed_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}
