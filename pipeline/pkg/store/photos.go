package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// InsertPhotos persists the photos fetched for one record. Ordinal conflicts
// are ignored so re-running the Places stage does not duplicate rows.
func (s *Store) InsertPhotos(ctx context.Context, photos []*domain.Photo) error {
	for _, p := range photos {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		p.CreatedAt = s.clock.Now().UTC()

		var analysis []byte
		if p.AnalysisResult != nil {
			var err error
			analysis, err = json.Marshal(p.AnalysisResult)
			if err != nil {
				return fmt.Errorf("failed to marshal photo analysis: %w", err)
			}
		}

		_, err := s.pool.Exec(ctx, `
			INSERT INTO photos (id, record_id, ordinal, file_name, external_ref, content_hash,
				category, analyzed_by_ai, analysis, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)
			ON CONFLICT (record_id, ordinal) DO NOTHING`,
			p.ID, p.RecordID, p.Ordinal, p.FileName, p.ExternalRef, p.FileHash,
			string(p.Category), p.AnalyzedByAI, analysis, p.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert photo %d for record %s: %w", p.Ordinal, p.RecordID, err)
		}
	}
	return nil
}

// ListPhotos returns a record's photos in ordinal order.
func (s *Store) ListPhotos(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, ordinal, file_name, external_ref, content_hash,
			category, analyzed_by_ai, analysis, created_at
		FROM photos WHERE record_id = $1 ORDER BY ordinal`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list photos for record %s: %w", recordID, err)
	}
	defer rows.Close()
	return scanPhotos(rows)
}

// PhotosPendingAnalysis returns a record's photos not yet analyzed by AI.
func (s *Store) PhotosPendingAnalysis(ctx context.Context, recordID uuid.UUID) ([]domain.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, ordinal, file_name, external_ref, content_hash,
			category, analyzed_by_ai, analysis, created_at
		FROM photos WHERE record_id = $1 AND NOT analyzed_by_ai ORDER BY ordinal`, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending photos for record %s: %w", recordID, err)
	}
	defer rows.Close()
	return scanPhotos(rows)
}

func scanPhotos(rows pgx.Rows) ([]domain.Photo, error) {
	var out []domain.Photo
	for rows.Next() {
		var p domain.Photo
		var category *string
		var analysis []byte
		if err := rows.Scan(&p.ID, &p.RecordID, &p.Ordinal, &p.FileName, &p.ExternalRef,
			&p.FileHash, &category, &p.AnalyzedByAI, &analysis, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan photo: %w", err)
		}
		if category != nil {
			p.Category = domain.PhotoCategory(*category)
		}
		if len(analysis) > 0 {
			if err := json.Unmarshal(analysis, &p.AnalysisResult); err != nil {
				return nil, fmt.Errorf("failed to unmarshal photo analysis: %w", err)
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPhotoAnalyzed records one photo's AI verdict.
func (s *Store) MarkPhotoAnalyzed(ctx context.Context, id uuid.UUID, category domain.PhotoCategory, analysis map[string]any) error {
	raw, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal photo analysis: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET category = $2, analyzed_by_ai = true, analysis = $3
		WHERE id = $1`, id, string(category), raw)
	if err != nil {
		return fmt.Errorf("failed to mark photo %s analyzed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkErrorPhotosAnalyzed flags a record's photos whose analysis previously
// errored so reprocessing skips them. Returns how many photos were flagged.
func (s *Store) MarkErrorPhotosAnalyzed(ctx context.Context, recordID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE photos SET analyzed_by_ai = true
		WHERE record_id = $1 AND NOT analyzed_by_ai AND analysis ? 'error'`, recordID)
	if err != nil {
		return 0, fmt.Errorf("failed to flag errored photos for record %s: %w", recordID, err)
	}
	return int(tag.RowsAffected()), nil
}

// FindPhotoByHash returns a previously analyzed photo sharing the content
// hash, letting analysis results be reused across records.
func (s *Store) FindPhotoByHash(ctx context.Context, hash string) (*domain.Photo, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, ordinal, file_name, external_ref, content_hash,
			category, analyzed_by_ai, analysis, created_at
		FROM photos WHERE content_hash = $1 AND analyzed_by_ai LIMIT 1`, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to query photo by hash: %w", err)
	}
	defer rows.Close()

	photos, err := scanPhotos(rows)
	if err != nil {
		return nil, err
	}
	if len(photos) == 0 {
		return nil, ErrNotFound
	}
	return &photos[0], nil
}
