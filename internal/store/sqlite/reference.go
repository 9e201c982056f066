package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

func referenceTable(kind domain.ReferenceKind) (string, error) {
	table := kind.Table()
	if table == "" {
		return "", store.ErrInvalidInput.WithMessage(fmt.Sprintf("unknown reference kind %q", kind))
	}
	return table, nil
}

func insertReference(ctx context.Context, ex execer, ref *domain.ReferenceEntity) error {
	table, err := referenceTable(ref.Kind)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO `+table+` (id, name, normalized_name, created_at) VALUES (?, ?, ?, ?)`,
		ref.ID, ref.Name, ref.NormalizedName, formatTime(ref.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert %s: %w", ref.Kind, err)
	}
	return nil
}

// CreateReference inserts a composer, raga, tala or deity.
// Returns store.ErrAlreadyExists when the normalized name is taken.
func (s *Store) CreateReference(ctx context.Context, ref *domain.ReferenceEntity) error {
	return retryOnBusy(ctx, func() error {
		return insertReference(ctx, s.db, ref)
	})
}

// GetReference retrieves one reference entity.
func (s *Store) GetReference(ctx context.Context, kind domain.ReferenceKind, id string) (*domain.ReferenceEntity, error) {
	table, err := referenceTable(kind)
	if err != nil {
		return nil, err
	}
	ref := domain.ReferenceEntity{Kind: kind}
	var createdAt string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM `+table+` WHERE id = ?`, id,
	).Scan(&ref.ID, &ref.Name, &ref.NormalizedName, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if ref.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ref, nil
}

// ListReferences returns every entity of kind ordered by name.
func (s *Store) ListReferences(ctx context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error) {
	table, err := referenceTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, normalized_name, created_at FROM `+table+` ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.ReferenceEntity
	for rows.Next() {
		ref := domain.ReferenceEntity{Kind: kind}
		var createdAt string
		if err := rows.Scan(&ref.ID, &ref.Name, &ref.NormalizedName, &createdAt); err != nil {
			return nil, err
		}
		if ref.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}
