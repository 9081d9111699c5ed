package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// CreateBatch opens a ledger row for one bulk run.
func (s *Store) CreateBatch(ctx context.Context, kind domain.BatchKind, total int, note *string) (*domain.Batch, error) {
	b := &domain.Batch{
		ID:        uuid.New(),
		Kind:      kind,
		Status:    domain.BatchStarted,
		Total:     total,
		StartedAt: s.clock.Now().UTC(),
		Note:      note,
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO batches (id, kind, status, total, note, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		b.ID, b.Kind, b.Status, b.Total, b.Note, b.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return b, nil
}

// IncrementBatch bumps the ledger counters atomically for one processed
// record. When the last record lands the batch flips to COMPLETED.
func (s *Store) IncrementBatch(ctx context.Context, id uuid.UUID, success bool) error {
	successInc := 0
	failedInc := 0
	if success {
		successInc = 1
	} else {
		failedInc = 1
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET
			processed = processed + 1,
			success = success + $2,
			failed = failed + $3,
			status = CASE
				WHEN processed + 1 >= total THEN 'COMPLETED'
				ELSE 'IN_PROGRESS'
			END,
			finished_at = CASE
				WHEN processed + 1 >= total THEN now()
				ELSE finished_at
			END
		WHERE id = $1 AND status IN ('STARTED', 'IN_PROGRESS')`,
		id, successInc, failedInc)
	if err != nil {
		return fmt.Errorf("failed to increment batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AbortBatch marks a still-running batch as aborted.
func (s *Store) AbortBatch(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = 'ABORTED', finished_at = now()
		WHERE id = $1 AND status IN ('STARTED', 'IN_PROGRESS')`, id)
	if err != nil {
		return fmt.Errorf("failed to abort batch %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBatch loads one ledger row.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*domain.Batch, error) {
	b := &domain.Batch{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, kind, status, total, processed, success, failed, note, started_at, finished_at
		FROM batches WHERE id = $1`, id).
		Scan(&b.ID, &b.Kind, &b.Status, &b.Total, &b.Processed, &b.Success, &b.Failed,
			&b.Note, &b.StartedAt, &b.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns the most recent ledger rows, optionally filtered by kind.
func (s *Store) ListBatches(ctx context.Context, kind domain.BatchKind, limit int) ([]domain.Batch, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `
		SELECT id, kind, status, total, processed, success, failed, note, started_at, finished_at
		FROM batches`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = $1`
		args = append(args, kind)
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var out []domain.Batch
	for rows.Next() {
		var b domain.Batch
		if err := rows.Scan(&b.ID, &b.Kind, &b.Status, &b.Total, &b.Processed, &b.Success,
			&b.Failed, &b.Note, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
