package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// analysisCacheTTL bounds how long a photo analysis may be reused.
const analysisCacheTTL = 30 * 24 * time.Hour

// GetAnalysisCache loads a cached photo analysis keyed by content hash,
// prompt version and model. Entries cached under another model or past their
// expiry count as a miss.
func (s *Store) GetAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, out any) (bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT result FROM analysis_cache
		WHERE photo_hash = $1 AND prompt_version = $2 AND model_id = $3
		  AND expires_at > $4`,
		photoHash, promptVersion, modelID, s.clock.Now().UTC()).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read analysis cache: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("failed to unmarshal analysis cache entry: %w", err)
	}
	return true, nil
}

// PutAnalysisCache upserts one analysis result under the triple key,
// refreshing the expiry.
func (s *Store) PutAnalysisCache(ctx context.Context, photoHash, promptVersion, modelID string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis cache entry: %w", err)
	}
	now := s.clock.Now().UTC()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO analysis_cache (photo_hash, prompt_version, model_id, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (photo_hash, prompt_version, model_id)
		DO UPDATE SET result = EXCLUDED.result, created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		photoHash, promptVersion, modelID, raw, now, now.Add(analysisCacheTTL))
	if err != nil {
		return fmt.Errorf("failed to write analysis cache: %w", err)
	}
	return nil
}
