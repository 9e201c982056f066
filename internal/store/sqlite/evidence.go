package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const evidenceColumns = `id, krithi_id, extraction_item_id, entry_index, source_name, source_tier,
	source_url, method, checksum, contributed_fields, raw_extraction, created_at`

func scanEvidence(scanner interface{ Scan(dest ...any) error }) (*domain.SourceEvidence, error) {
	var e domain.SourceEvidence

	var (
		sourceURL sql.NullString
		method    string
		checksum  sql.NullString
		fields    string
		createdAt string
	)

	err := scanner.Scan(
		&e.ID,
		&e.KrithiID,
		&e.ExtractionItemID,
		&e.EntryIndex,
		&e.SourceName,
		&e.SourceTier,
		&sourceURL,
		&method,
		&checksum,
		&fields,
		&e.RawExtraction,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	e.SourceURL = sourceURL.String
	e.Method = domain.ExtractionMethod(method)
	e.Checksum = checksum.String

	if err := decodeJSON(fields, &e.ContributedFields); err != nil {
		return nil, fmt.Errorf("evidence %s fields: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func insertEvidence(ctx context.Context, ex execer, e *domain.SourceEvidence) error {
	fields, err := encodeJSON(e.ContributedFields)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO source_evidence (
			id, krithi_id, extraction_item_id, entry_index, source_name, source_tier,
			source_url, method, checksum, contributed_fields, raw_extraction, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.KrithiID,
		e.ExtractionItemID,
		e.EntryIndex,
		e.SourceName,
		e.SourceTier,
		nullString(e.SourceURL),
		string(e.Method),
		nullString(e.Checksum),
		fields,
		e.RawExtraction,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// CreateEvidence attaches a single evidence row to a krithi.
func (s *Store) CreateEvidence(ctx context.Context, e *domain.SourceEvidence) error {
	return retryOnBusy(ctx, func() error {
		return insertEvidence(ctx, s.db, e)
	})
}

// ListEvidence returns a krithi's evidence, oldest first.
func (s *Store) ListEvidence(ctx context.Context, krithiID string) ([]*domain.SourceEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+evidenceColumns+` FROM source_evidence
		WHERE krithi_id = ? ORDER BY created_at, id`,
		krithiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evidence []*domain.SourceEvidence
	for rows.Next() {
		e, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		evidence = append(evidence, e)
	}
	return evidence, rows.Err()
}

// CountEvidence returns how many evidence rows a krithi has.
func (s *Store) CountEvidence(ctx context.Context, krithiID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM source_evidence WHERE krithi_id = ?`, krithiID).Scan(&n)
	return n, err
}

func insertLyricVariant(ctx context.Context, ex execer, v *domain.LyricVariant) error {
	sections, err := encodeJSON(v.Sections)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO lyric_variants (id, krithi_id, language, script, sections, source_url, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID,
		v.KrithiID,
		v.Language,
		nullString(v.Script),
		sections,
		nullString(v.SourceURL),
		formatTime(v.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert lyric variant: %w", err)
	}
	return nil
}

// ListLyricVariants returns a krithi's lyric variants, oldest first.
func (s *Store) ListLyricVariants(ctx context.Context, krithiID string) ([]*domain.LyricVariant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, krithi_id, language, script, sections, source_url, created_at
		FROM lyric_variants WHERE krithi_id = ? ORDER BY created_at, id`,
		krithiID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var variants []*domain.LyricVariant
	for rows.Next() {
		var (
			v         domain.LyricVariant
			script    sql.NullString
			sections  string
			sourceURL sql.NullString
			createdAt string
		)
		if err := rows.Scan(&v.ID, &v.KrithiID, &v.Language, &script, &sections, &sourceURL, &createdAt); err != nil {
			return nil, err
		}
		v.Script = script.String
		v.SourceURL = sourceURL.String
		if err := decodeJSON(sections, &v.Sections); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		variants = append(variants, &v)
	}
	return variants, rows.Err()
}
