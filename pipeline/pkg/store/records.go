package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prospectaio/prospecta/pipeline/pkg/domain"
)

// coordDuplicateWindow is half the side of the square used for coordinate
// duplicate detection, roughly 50 meters of latitude.
const coordDuplicateWindow = 0.00045

// InsertRecords persists freshly ingested records, all tagged with batchID.
func (s *Store) InsertRecords(ctx context.Context, batchID uuid.UUID, recs []*domain.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range recs {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		now := s.clock.Now().UTC()
		r.CreatedAt = now
		r.UpdatedAt = now

		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
		}
		stages, err := json.Marshal(r.Stages)
		if err != nil {
			return fmt.Errorf("failed to marshal record stages: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO records (id, batch_id, document, document_kind,
				name_raw, address_raw, city_raw, state_raw, phone_raw,
				data, stages, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)`,
			r.ID, batchID, r.Document, r.DocumentKind,
			r.NameRaw, r.AddressRaw, r.CityRaw, r.StateRaw, r.PhoneRaw,
			data, stages, now)
		if err != nil {
			return fmt.Errorf("failed to insert record %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit record insert: %w", err)
	}
	return nil
}

// GetRecord loads one record plus its optimistic version.
func (s *Store) GetRecord(ctx context.Context, id uuid.UUID) (*domain.Record, int, error) {
	var data []byte
	var version int
	err := s.pool.QueryRow(ctx,
		`SELECT data, version FROM records WHERE id = $1`, id).Scan(&data, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load record %s: %w", id, err)
	}

	var r domain.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal record %s: %w", id, err)
	}
	return &r, version, nil
}

// UpdateRecord writes the record back, bumping the version. Returns ErrStale
// when another writer got there first.
func (s *Store) UpdateRecord(ctx context.Context, r *domain.Record, version int) error {
	r.UpdatedAt = s.clock.Now().UTC()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", r.ID, err)
	}
	stages, err := json.Marshal(r.Stages)
	if err != nil {
		return fmt.Errorf("failed to marshal record stages: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE records SET
			data = $2,
			stages = $3,
			address_normalized = $4,
			lat = $5,
			lng = $6,
			confidence_score = $7,
			confidence_level = NULLIF($8, ''),
			analyst_status = NULLIF($9, ''),
			version = version + 1,
			updated_at = $10
		WHERE id = $1 AND version = $11`,
		r.ID, data, stages, r.AddressNormalized, r.Lat, r.Lng,
		r.ConfidenceOverall, string(r.ConfidenceLevel), string(r.AnalystStatus),
		r.UpdatedAt, version)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a stale version from a missing row.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT true FROM records WHERE id = $1`, r.ID).Scan(&exists); err != nil {
			return ErrNotFound
		}
		return ErrStale
	}
	return nil
}

// RecordFilter selects records for listing and bulk enqueue.
type RecordFilter struct {
	Stage    domain.Stage
	Statuses []domain.StageStatus
	BatchID  *uuid.UUID
	Limit    int
	Offset   int
}

// ListRecordIDs returns the IDs whose given stage is in one of the given
// statuses, oldest first. An absent stage key counts as PENDING.
func (s *Store) ListRecordIDs(ctx context.Context, f RecordFilter) ([]uuid.UUID, error) {
	if f.Limit <= 0 {
		f.Limit = 10000
	}

	conds := []string{"duplicate_of IS NULL"}
	args := []any{}
	n := 1

	if f.Stage != "" && len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, fmt.Sprintf(
			"COALESCE(stages->%s->>'status', 'PENDING') = ANY($%d)", quoteLiteral(string(f.Stage)), n))
		args = append(args, statuses)
		n++
	}
	if f.BatchID != nil {
		conds = append(conds, fmt.Sprintf("batch_id = $%d", n))
		args = append(args, *f.BatchID)
		n++
	}

	args = append(args, f.Limit, f.Offset)
	query := fmt.Sprintf(`
		SELECT id FROM records
		WHERE %s
		ORDER BY created_at ASC
		LIMIT $%d OFFSET $%d`, strings.Join(conds, " AND "), n, n+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list record IDs: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan record ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// quoteLiteral quotes a trusted stage name for use as a JSONB key. Stage names
// come from the domain enum, never from user input.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// CountByStageStatus returns status counts for one stage across all records.
func (s *Store) CountByStageStatus(ctx context.Context, stage domain.Stage) (map[domain.StageStatus]int, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT COALESCE(stages->%s->>'status', 'PENDING') AS status, COUNT(*)
		FROM records
		WHERE duplicate_of IS NULL
		GROUP BY 1`, quoteLiteral(string(stage))))
	if err != nil {
		return nil, fmt.Errorf("failed to count stage statuses: %w", err)
	}
	defer rows.Close()

	out := make(map[domain.StageStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		out[domain.StageStatus(status)] = count
	}
	return out, rows.Err()
}

// FindDuplicatesByAddress returns other records sharing the exact normalized
// address.
func (s *Store) FindDuplicatesByAddress(ctx context.Context, recordID uuid.UUID, addressNormalized string) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM records
		WHERE address_normalized = $1 AND id <> $2 AND duplicate_of IS NULL`,
		addressNormalized, recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query address duplicates: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// FindDuplicatesNearby returns other records whose coordinates fall inside a
// small square around the given point.
func (s *Store) FindDuplicatesNearby(ctx context.Context, recordID uuid.UUID, lat, lng float64) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM records
		WHERE lat BETWEEN $1 AND $2
		  AND lng BETWEEN $3 AND $4
		  AND id <> $5 AND duplicate_of IS NULL`,
		lat-coordDuplicateWindow, lat+coordDuplicateWindow,
		lng-coordDuplicateWindow, lng+coordDuplicateWindow,
		recordID)
	if err != nil {
		return nil, fmt.Errorf("failed to query coordinate duplicates: %w", err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindCompaniesWithPartnerCPF scans CNPJ records whose QSA lists a partner
// matching the given CPF. Registry partner documents arrive masked
// (***NNNNNN**), so the comparison uses the middle six digits.
func (s *Store) FindCompaniesWithPartnerCPF(ctx context.Context, cpf string) ([]domain.CPFPartnerRelation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, document, data->'partners', COALESCE(data->>'trade_name', data->>'legal_name', name_raw)
		FROM records
		WHERE document_kind = 'CNPJ'
		  AND jsonb_array_length(COALESCE(data->'partners', '[]'::jsonb)) > 0
		  AND duplicate_of IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to query partner candidates: %w", err)
	}
	defer rows.Close()

	var relations []domain.CPFPartnerRelation
	for rows.Next() {
		var id uuid.UUID
		var document, name string
		var partnersJSON []byte
		if err := rows.Scan(&id, &document, &partnersJSON, &name); err != nil {
			return nil, fmt.Errorf("failed to scan partner candidate: %w", err)
		}

		var partners []domain.Partner
		if err := json.Unmarshal(partnersJSON, &partners); err != nil {
			continue
		}
		for _, p := range partners {
			if MaskedCPFMatch(p.TaxID, cpf) {
				relations = append(relations, domain.CPFPartnerRelation{
					CompanyID:   id,
					CompanyName: name,
					CompanyCNPJ: document,
					PartnerRole: p.Role,
					Since:       p.Since,
				})
				break
			}
		}
	}
	return relations, rows.Err()
}

// MaskedCPFMatch compares a possibly masked registry partner document
// (***NNNNNN**) against a full 11-digit CPF.
func MaskedCPFMatch(partnerDoc, cpf string) bool {
	if len(cpf) != 11 {
		return false
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, partnerDoc)
	if len(digits) == 11 {
		return digits == cpf
	}
	if len(digits) == 6 {
		return digits == cpf[3:9]
	}
	return false
}

// MergeDuplicates folds the duplicate record into the primary: fields absent
// on the primary are taken from the duplicate, photos are reassigned, and the
// duplicate is tombstoned via duplicate_of.
func (s *Store) MergeDuplicates(ctx context.Context, primaryID, duplicateID uuid.UUID) error {
	if primaryID == duplicateID {
		return fmt.Errorf("cannot merge a record into itself")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var primaryData, dupData []byte
	var primaryVersion int
	if err := tx.QueryRow(ctx,
		`SELECT data, version FROM records WHERE id = $1 FOR UPDATE`, primaryID).
		Scan(&primaryData, &primaryVersion); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock primary record: %w", err)
	}
	if err := tx.QueryRow(ctx,
		`SELECT data FROM records WHERE id = $1 AND duplicate_of IS NULL FOR UPDATE`, duplicateID).
		Scan(&dupData); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to lock duplicate record: %w", err)
	}

	var primary, dup map[string]json.RawMessage
	if err := json.Unmarshal(primaryData, &primary); err != nil {
		return fmt.Errorf("failed to unmarshal primary record: %w", err)
	}
	if err := json.Unmarshal(dupData, &dup); err != nil {
		return fmt.Errorf("failed to unmarshal duplicate record: %w", err)
	}

	// Field-level merge: the duplicate only fills gaps.
	for k, v := range dup {
		if k == "id" || k == "stages" || k == "created_at" || k == "updated_at" {
			continue
		}
		cur, ok := primary[k]
		if !ok || string(cur) == "null" || string(cur) == `""` || string(cur) == "0" || string(cur) == "[]" || string(cur) == "{}" {
			primary[k] = v
		}
	}
	merged, err := json.Marshal(primary)
	if err != nil {
		return fmt.Errorf("failed to marshal merged record: %w", err)
	}

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE records SET data = $2, version = version + 1, updated_at = $3 WHERE id = $1`,
		primaryID, merged, now); err != nil {
		return fmt.Errorf("failed to write merged record: %w", err)
	}

	// Reassign photos, shifting ordinals past the primary's existing ones.
	if _, err := tx.Exec(ctx, `
		UPDATE photos SET record_id = $1,
			ordinal = ordinal + (SELECT COALESCE(MAX(ordinal), -1) + 1 FROM photos WHERE record_id = $1)
		WHERE record_id = $2`, primaryID, duplicateID); err != nil {
		return fmt.Errorf("failed to reassign duplicate photos: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE records SET duplicate_of = $2, updated_at = $3 WHERE id = $1`,
		duplicateID, primaryID, now); err != nil {
		return fmt.Errorf("failed to tombstone duplicate record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	s.log.Info("store: merged duplicate record", "primary", primaryID, "duplicate", duplicateID)
	return nil
}

// ResetStuck re-arms stages that have sat in PROCESSING longer than maxAge,
// setting them back to PENDING. Staleness keys on the stage's own started_at
// so unrelated record writes do not reset the clock; rows missing the
// timestamp fall back to updated_at.
func (s *Store) ResetStuck(ctx context.Context, maxAge string) (int, error) {
	touched := 0
	for _, stage := range domain.Stages {
		key := quoteLiteral(string(stage))
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE records
			SET stages = jsonb_set(stages, ARRAY[%s, 'status'], '"PENDING"'),
				data = jsonb_set(data, ARRAY['stages', %s, 'status'], '"PENDING"'),
				version = version + 1,
				updated_at = now()
			WHERE stages->%s->>'status' = 'PROCESSING'
			  AND COALESCE((stages->%s->>'started_at')::timestamptz, updated_at)
			      < now() - $1::interval`, key, key, key, key), maxAge)
		if err != nil {
			return touched, fmt.Errorf("failed to reset stuck %s stages: %w", stage, err)
		}
		touched += int(tag.RowsAffected())
	}
	return touched, nil
}

// ResetStage re-arms one stage for every live record currently in one of the
// given statuses, clearing any prior error, and returns the affected IDs.
func (s *Store) ResetStage(ctx context.Context, stage domain.Stage, statuses []domain.StageStatus) ([]uuid.UUID, error) {
	from := make([]string, len(statuses))
	for i, st := range statuses {
		from[i] = string(st)
	}
	key := quoteLiteral(string(stage))
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		UPDATE records
		SET stages = jsonb_set(stages, ARRAY[%s], '{"status": "PENDING"}'::jsonb),
			data = jsonb_set(data, ARRAY['stages', %s], '{"status": "PENDING"}'::jsonb),
			version = version + 1,
			updated_at = now()
		WHERE COALESCE(stages->%s->>'status', 'PENDING') = ANY($1)
		  AND duplicate_of IS NULL
		RETURNING id`, key, key, key), from)
	if err != nil {
		return nil, fmt.Errorf("failed to reset %s stage: %w", stage, err)
	}
	defer rows.Close()
	return collectIDs(rows)
}

// DuplicateNameGroups clusters live records by case-folded raw name and
// returns every cluster with at least two members, richest record first.
// Richness is the number of populated top-level fields.
func (s *Store) DuplicateNameGroups(ctx context.Context) ([][]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lower(trim(name_raw)) AS grp, id
		FROM records
		WHERE duplicate_of IS NULL AND trim(name_raw) <> ''
		ORDER BY grp,
			(SELECT COUNT(*) FROM jsonb_each(data) kv
			 WHERE kv.value::text NOT IN ('null', '""', '0', '[]', '{}')) DESC,
			created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate name groups: %w", err)
	}
	defer rows.Close()

	var groups [][]uuid.UUID
	var current []uuid.UUID
	var currentName string
	for rows.Next() {
		var name string
		var id uuid.UUID
		if err := rows.Scan(&name, &id); err != nil {
			return nil, fmt.Errorf("failed to scan name group row: %w", err)
		}
		if name != currentName {
			if len(current) >= 2 {
				groups = append(groups, current)
			}
			current = nil
			currentName = name
		}
		current = append(current, id)
	}
	if len(current) >= 2 {
		groups = append(groups, current)
	}
	return groups, rows.Err()
}

// UnlockPipelines flags unanalyzed photos of records stuck in a failed
// analysis, then promotes records whose photos are all analyzed to analysis
// SUCCESS. Returns photos flagged and records promoted.
func (s *Store) UnlockPipelines(ctx context.Context) (int, int, error) {
	photosTag, err := s.pool.Exec(ctx, `
		UPDATE photos
		SET analyzed_by_ai = true,
			analysis = COALESCE(analysis, '{}'::jsonb) ||
				'{"ok": false, "reason": "record in error state"}'::jsonb
		WHERE NOT analyzed_by_ai
		  AND record_id IN (
			SELECT id FROM records WHERE stages->'analysis'->>'status' = 'FAIL')`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to flag photos of failed records: %w", err)
	}

	recordsTag, err := s.pool.Exec(ctx, `
		UPDATE records
		SET stages = jsonb_set(stages, ARRAY['analysis', 'status'], '"SUCCESS"'),
			data = jsonb_set(data, ARRAY['stages', 'analysis', 'status'], '"SUCCESS"'),
			version = version + 1,
			updated_at = now()
		WHERE stages->'analysis'->>'status' = 'FAIL'
		  AND EXISTS (SELECT 1 FROM photos p WHERE p.record_id = records.id)
		  AND NOT EXISTS (SELECT 1 FROM photos p WHERE p.record_id = records.id AND NOT p.analyzed_by_ai)`)
	if err != nil {
		return int(photosTag.RowsAffected()), 0, fmt.Errorf("failed to promote unblocked records: %w", err)
	}
	return int(photosTag.RowsAffected()), int(recordsTag.RowsAffected()), nil
}

// UnlockRecord forces every PROCESSING stage of one record back to PENDING.
func (s *Store) UnlockRecord(ctx context.Context, id uuid.UUID) (int, error) {
	touched := 0
	for _, stage := range domain.Stages {
		key := quoteLiteral(string(stage))
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			UPDATE records
			SET stages = jsonb_set(stages, ARRAY[%s, 'status'], '"PENDING"'),
				data = jsonb_set(data, ARRAY['stages', %s, 'status'], '"PENDING"'),
				version = version + 1,
				updated_at = now()
			WHERE id = $1 AND stages->%s->>'status' = 'PROCESSING'`, key, key, key), id)
		if err != nil {
			return touched, fmt.Errorf("failed to unlock %s stage: %w", stage, err)
		}
		touched += int(tag.RowsAffected())
	}
	return touched, nil
}
