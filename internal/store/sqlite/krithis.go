package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const krithiColumns = `k.id, k.title, k.normalized_title, k.compressed_title,
	k.composer_id, k.tala_id, k.deity_id, k.sections, k.created_at, k.updated_at`

func scanKrithi(scanner interface{ Scan(dest ...any) error }) (*domain.Krithi, error) {
	var k domain.Krithi

	var (
		talaID    sql.NullString
		deityID   sql.NullString
		sections  string
		createdAt string
		updatedAt string
	)

	err := scanner.Scan(
		&k.ID,
		&k.Title,
		&k.NormalizedTitle,
		&k.CompressedTitle,
		&k.ComposerID,
		&talaID,
		&deityID,
		&sections,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	k.TalaID = talaID.String
	k.DeityID = deityID.String

	if err := decodeJSON(sections, &k.Sections); err != nil {
		return nil, fmt.Errorf("krithi %s sections: %w", k.ID, err)
	}
	if k.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if k.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

func insertKrithi(ctx context.Context, ex execer, k *domain.Krithi) error {
	sections, err := encodeJSON(nonNilSections(k.Sections))
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO krithis (
			id, title, normalized_title, compressed_title,
			composer_id, tala_id, deity_id, sections, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID,
		k.Title,
		k.NormalizedTitle,
		k.CompressedTitle,
		k.ComposerID,
		nullString(k.TalaID),
		nullString(k.DeityID),
		sections,
		formatTime(k.CreatedAt),
		formatTime(k.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert krithi: %w", err)
	}

	for i, ragaID := range k.RagaIDs {
		if _, err := ex.ExecContext(ctx,
			`INSERT OR IGNORE INTO krithi_ragas (krithi_id, raga_id, position) VALUES (?, ?, ?)`,
			k.ID, ragaID, i); err != nil {
			return fmt.Errorf("insert krithi raga: %w", err)
		}
	}
	return nil
}

func nonNilSections(sections []domain.Section) []domain.Section {
	if sections == nil {
		return []domain.Section{}
	}
	return sections
}

// CreateKrithi inserts a krithi and its ordered raga links.
func (s *Store) CreateKrithi(ctx context.Context, k *domain.Krithi) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertKrithi(ctx, tx, k)
	})
}

// GetKrithi retrieves a krithi with its raga IDs.
// Returns store.ErrNotFound if the krithi does not exist.
func (s *Store) GetKrithi(ctx context.Context, id string) (*domain.Krithi, error) {
	krithis, err := s.queryKrithis(ctx, `k.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(krithis) == 0 {
		return nil, store.ErrNotFound
	}
	return krithis[0], nil
}

// GetKrithis returns the krithis with the given IDs that exist, in ID order.
func (s *Store) GetKrithis(ctx context.Context, ids []string) ([]*domain.Krithi, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, v := range ids {
		args[i] = v
	}
	return s.queryKrithis(ctx, `k.id IN (`+makePlaceholders(len(ids))+`)`, args...)
}

// FindKrithisByNormalizedTitle returns krithis whose normalized title equals title.
func (s *Store) FindKrithisByNormalizedTitle(ctx context.Context, title string) ([]*domain.Krithi, error) {
	return s.queryKrithis(ctx, `k.normalized_title = ?`, title)
}

// FindKrithisByCompressedTitle returns krithis whose space-free title equals compressed.
func (s *Store) FindKrithisByCompressedTitle(ctx context.Context, compressed string) ([]*domain.Krithi, error) {
	return s.queryKrithis(ctx, `k.compressed_title = ?`, compressed)
}

// FindKrithisByComposerAndRaga returns krithis by composerID set in ragaID.
func (s *Store) FindKrithisByComposerAndRaga(ctx context.Context, composerID, ragaID string) ([]*domain.Krithi, error) {
	return s.queryKrithis(ctx,
		`k.composer_id = ? AND EXISTS (SELECT 1 FROM krithi_ragas kr WHERE kr.krithi_id = k.id AND kr.raga_id = ?)`,
		composerID, ragaID)
}

// FindKrithisByTitlePrefix returns krithis whose compressed title starts with prefix and that share
// the composer or the raga.
func (s *Store) FindKrithisByTitlePrefix(ctx context.Context, prefix, composerID, ragaID string) ([]*domain.Krithi, error) {
	if prefix == "" {
		return nil, nil
	}
	return s.queryKrithis(ctx, `
		substr(k.compressed_title, 1, ?) = ?
		AND (k.composer_id = ? OR EXISTS (SELECT 1 FROM krithi_ragas kr WHERE kr.krithi_id = k.id AND kr.raga_id = ?))`,
		len([]rune(prefix)), prefix, composerID, ragaID)
}

// ListKrithis pages through the catalog in ID order, starting after afterID.
func (s *Store) ListKrithis(ctx context.Context, afterID string, limit int) ([]*domain.Krithi, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryKrithis(ctx, `k.id > ? ORDER BY k.id LIMIT ?`, afterID, limit)
}

// CountKrithis returns the size of the catalog.
func (s *Store) CountKrithis(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM krithis`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count krithis: %w", err)
	}
	return n, nil
}

// UpdateKrithiSections replaces a krithi's section list.
func (s *Store) UpdateKrithiSections(ctx context.Context, id string, sections []domain.Section, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return updateKrithiSections(ctx, tx, id, sections, at)
	})
}

func updateKrithiSections(ctx context.Context, ex execer, id string, sections []domain.Section, at time.Time) error {
	raw, err := encodeJSON(nonNilSections(sections))
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE krithis SET sections = ?, updated_at = ? WHERE id = ?`, raw, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update krithi sections: %w", err)
	}
	return checkAffected(res, store.ErrNotFound)
}

// queryKrithis runs a krithi SELECT with the given WHERE clause and attaches raga IDs.
// Clauses without ORDER BY get ID order.
func (s *Store) queryKrithis(ctx context.Context, where string, args ...any) ([]*domain.Krithi, error) {
	query := `SELECT ` + krithiColumns + ` FROM krithis k WHERE ` + where
	if !strings.Contains(where, "ORDER BY") {
		query += ` ORDER BY k.id`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var (
		krithis []*domain.Krithi
		byID    = make(map[string]*domain.Krithi)
	)
	for rows.Next() {
		k, err := scanKrithi(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		krithis = append(krithis, k)
		byID[k.ID] = k
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(krithis) == 0 {
		return nil, nil
	}

	ids := make([]any, len(krithis))
	for i, k := range krithis {
		ids[i] = k.ID
	}
	ragaRows, err := s.db.QueryContext(ctx, `
		SELECT krithi_id, raga_id FROM krithi_ragas
		WHERE krithi_id IN (`+makePlaceholders(len(ids))+`)
		ORDER BY krithi_id, position`, ids...)
	if err != nil {
		return nil, err
	}
	defer ragaRows.Close()
	for ragaRows.Next() {
		var krithiID, ragaID string
		if err := ragaRows.Scan(&krithiID, &ragaID); err != nil {
			return nil, err
		}
		if k := byID[krithiID]; k != nil {
			k.RagaIDs = append(k.RagaIDs, ragaID)
		}
	}
	return krithis, ragaRows.Err()
}
