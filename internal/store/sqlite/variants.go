package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const variantMatchColumns = `id, enrich_item_id, related_item_id, entry_index, krithi_id,
	title_score, raga_tala_score, page_position_score, confidence, tier, status,
	is_anomaly, structure_mismatch, extraction_json, reviewer, reviewed_at, created_at`

func scanVariantMatch(scanner interface{ Scan(dest ...any) error }) (*domain.VariantMatch, error) {
	var m domain.VariantMatch

	var (
		relatedItemID sql.NullString
		tier          string
		status        string
		anomaly       int
		mismatch      int
		reviewer      sql.NullString
		reviewedAt    sql.NullString
		createdAt     string
	)

	err := scanner.Scan(
		&m.ID,
		&m.EnrichItemID,
		&relatedItemID,
		&m.EntryIndex,
		&m.KrithiID,
		&m.TitleScore,
		&m.RagaTalaScore,
		&m.PagePositionScore,
		&m.Confidence,
		&tier,
		&status,
		&anomaly,
		&mismatch,
		&m.ExtractionJSON,
		&reviewer,
		&reviewedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	m.RelatedItemID = relatedItemID.String
	m.Tier = domain.ConfidenceTier(tier)
	m.Status = domain.VariantMatchStatus(status)
	m.IsAnomaly = anomaly == 1
	m.StructureMismatch = mismatch == 1
	m.Reviewer = reviewer.String

	if m.ReviewedAt, err = parseNullableTime(reviewedAt); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveVariantMatch inserts a match. An approved write also persists the lyric variant and its
// evidence in the same transaction.
// Returns store.ErrAlreadyExists when the enrichment entry was already scored.
func (s *Store) SaveVariantMatch(ctx context.Context, w store.VariantWrite) error {
	m := w.Match
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO variant_matches (
				id, enrich_item_id, related_item_id, entry_index, krithi_id,
				title_score, raga_tala_score, page_position_score, confidence, tier, status,
				is_anomaly, structure_mismatch, extraction_json, reviewer, reviewed_at, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID,
			m.EnrichItemID,
			nullString(m.RelatedItemID),
			m.EntryIndex,
			m.KrithiID,
			m.TitleScore,
			m.RagaTalaScore,
			m.PagePositionScore,
			m.Confidence,
			string(m.Tier),
			string(m.Status),
			boolInt(m.IsAnomaly),
			boolInt(m.StructureMismatch),
			m.ExtractionJSON,
			nullString(m.Reviewer),
			nullTimeString(m.ReviewedAt),
			formatTime(m.CreatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrAlreadyExists
			}
			return fmt.Errorf("insert variant match: %w", err)
		}
		return writeApprovedVariant(ctx, tx, w)
	})
}

// GetVariantMatch retrieves a match by ID.
// Returns store.ErrNotFound if the match does not exist.
func (s *Store) GetVariantMatch(ctx context.Context, id string) (*domain.VariantMatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+variantMatchColumns+` FROM variant_matches WHERE id = ?`, id)
	m, err := scanVariantMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListVariantMatches returns up to limit matches, oldest first. An empty status lists all.
func (s *Store) ListVariantMatches(ctx context.Context, status domain.VariantMatchStatus, limit int) ([]*domain.VariantMatch, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + variantMatchColumns + ` FROM variant_matches`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*domain.VariantMatch
	for rows.Next() {
		m, err := scanVariantMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// ReviewVariantMatch applies an operator decision to a PENDING match. w.Match carries the new
// status, reviewer and review time.
// Returns store.ErrConflict when the match is no longer PENDING.
func (s *Store) ReviewVariantMatch(ctx context.Context, w store.VariantWrite) error {
	m := w.Match
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE variant_matches SET status = ?, reviewer = ?, reviewed_at = ?
			WHERE id = ? AND status = 'PENDING'`,
			string(m.Status), nullString(m.Reviewer), nullTimeString(m.ReviewedAt), m.ID)
		if err != nil {
			return fmt.Errorf("review variant match: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT status FROM variant_matches WHERE id = ?`, m.ID).Scan(&current)
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err != nil {
				return err
			}
			return store.ErrConflict.WithMessage(fmt.Sprintf("variant match %s is %s", m.ID, current))
		}
		return writeApprovedVariant(ctx, tx, w)
	})
}

func writeApprovedVariant(ctx context.Context, tx *sql.Tx, w store.VariantWrite) error {
	for _, v := range w.Variants {
		if err := insertLyricVariant(ctx, tx, v); err != nil {
			return err
		}
	}
	if w.Evidence != nil {
		if err := insertEvidence(ctx, tx, w.Evidence); err != nil {
			return err
		}
	}
	return appendAudit(ctx, tx, w.Audit)
}
