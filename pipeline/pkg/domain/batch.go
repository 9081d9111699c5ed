package domain

import (
	"time"

	"github.com/google/uuid"
)

// BatchKind names which stage a bulk run targets.
type BatchKind string

const (
	BatchDoc           BatchKind = "DOC"
	BatchNormalization BatchKind = "NORMALIZATION"
	BatchGeocoding     BatchKind = "GEOCODING"
	BatchPlaces        BatchKind = "PLACES"
	BatchAnalysis      BatchKind = "ANALYSIS"
	BatchAnalyst       BatchKind = "ANALYST"
)

// BatchStatus tracks the ledger lifecycle of a bulk run.
type BatchStatus string

const (
	BatchStarted    BatchStatus = "STARTED"
	BatchInProgress BatchStatus = "IN_PROGRESS"
	BatchCompleted  BatchStatus = "COMPLETED"
	BatchAborted    BatchStatus = "ABORTED"
)

// Batch is the ledger row for one user-triggered bulk run of a stage.
// Counters are incremented atomically by workers; processed == success+failed
// at any consistent point. Batch rows are retained permanently for audit.
type Batch struct {
	ID         uuid.UUID   `json:"id"`
	Kind       BatchKind   `json:"kind"`
	Status     BatchStatus `json:"status"`
	Total      int         `json:"total"`
	Processed  int         `json:"processed"`
	Success    int         `json:"success"`
	Failed     int         `json:"failed"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Note       *string     `json:"note,omitempty"`
}

// KindForStage maps a record stage to the batch kind tracking it.
func KindForStage(stage Stage) BatchKind {
	switch stage {
	case StageDocLookup:
		return BatchDoc
	case StageNormalization:
		return BatchNormalization
	case StageGeocoding:
		return BatchGeocoding
	case StagePlaces:
		return BatchPlaces
	case StageAnalysis:
		return BatchAnalysis
	case StageAnalyst:
		return BatchAnalyst
	}
	return BatchDoc
}
