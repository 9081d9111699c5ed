package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// LogEntry is one row of the per-record processing audit trail.
type LogEntry struct {
	ID            int64          `json:"id"`
	RecordID      *uuid.UUID     `json:"record_id,omitempty"`
	CorrelationID *uuid.UUID     `json:"correlation_id,omitempty"`
	Stage         domain.Stage   `json:"stage"`
	Level         string         `json:"level"`
	Message       string         `json:"message"`
	Details       map[string]any `json:"details,omitempty"`
	DurationMS    *int64         `json:"duration_ms,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AppendLog writes one audit entry. Log failures are reported but callers
// treat them as non-fatal: the pipeline never halts for its own audit trail.
func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	var details []byte
	if e.Details != nil {
		var err error
		details, err = json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal log details: %w", err)
		}
	}
	if e.Level == "" {
		e.Level = "INFO"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_log (record_id, correlation_id, stage, level, message, details, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RecordID, e.CorrelationID, e.Stage, e.Level, e.Message, details, e.DurationMS, s.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append processing log: %w", err)
	}
	return nil
}

// LogsByCorrelation returns every entry sharing a correlation ID, oldest
// first, reconstructing one request's path through the pipeline.
func (s *Store) LogsByCorrelation(ctx context.Context, correlationID uuid.UUID) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, correlation_id, stage, level, message, details, duration_ms, created_at
		FROM processing_log WHERE correlation_id = $1 ORDER BY created_at ASC, id ASC`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs by correlation: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

// LogsByRecord returns the most recent entries for one record.
func (s *Store) LogsByRecord(ctx context.Context, recordID uuid.UUID, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, correlation_id, stage, level, message, details, duration_ms, created_at
		FROM processing_log WHERE record_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		recordID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs by record: %w", err)
	}
	defer rows.Close()
	return scanLogs(rows)
}

func scanLogs(rows pgx.Rows) ([]LogEntry, error) {
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var details []byte
		if err := rows.Scan(&e.ID, &e.RecordID, &e.CorrelationID, &e.Stage, &e.Level,
			&e.Message, &details, &e.DurationMS, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StageMetrics summarizes recent execution times of one stage.
type StageMetrics struct {
	Stage   domain.Stage `json:"stage"`
	Samples int          `json:"samples"`
	MeanMS  float64      `json:"mean_ms"`
	MinMS   float64      `json:"min_ms"`
	MaxMS   float64      `json:"max_ms"`
	P50MS   float64      `json:"p50_ms"`
	P95MS   float64      `json:"p95_ms"`
	P99MS   float64      `json:"p99_ms"`
	Errors  int          `json:"errors"`
}

// StagePercentiles computes count/mean/min/max and p50/p95/p99 over the
// stage's most recent 1000 timed log entries.
func (s *Store) StagePercentiles(ctx context.Context, stage domain.Stage) (*StageMetrics, error) {
	m := &StageMetrics{Stage: stage}
	err := s.pool.QueryRow(ctx, `
		WITH recent AS (
			SELECT duration_ms, level
			FROM processing_log
			WHERE stage = $1 AND duration_ms IS NOT NULL
			ORDER BY created_at DESC
			LIMIT 1000
		)
		SELECT COUNT(*),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(MIN(duration_ms), 0),
			COALESCE(MAX(duration_ms), 0),
			COALESCE(percentile_cont(0.5) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0),
			COALESCE(percentile_cont(0.99) WITHIN GROUP (ORDER BY duration_ms), 0),
			COUNT(*) FILTER (WHERE level = 'ERROR')
		FROM recent`, stage).
		Scan(&m.Samples, &m.MeanMS, &m.MinMS, &m.MaxMS, &m.P50MS, &m.P95MS, &m.P99MS, &m.Errors)
	if err != nil {
		return nil, fmt.Errorf("failed to compute %s stage percentiles: %w", stage, err)
	}
	return m, nil
}
