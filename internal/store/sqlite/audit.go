package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
)

// appendAudit writes entry with ex. A nil entry is a no-op so callers can pass optional audits.
func appendAudit(ctx context.Context, ex execer, entry *domain.AuditEntry) error {
	if entry == nil {
		return nil
	}
	metadata := "{}"
	if len(entry.Metadata) > 0 {
		raw, err := encodeJSON(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = raw
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO audit_log (id, action, entity_table, entity_id, actor, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.Action,
		entry.EntityTable,
		entry.EntityID,
		nullString(entry.Actor),
		metadata,
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append audit %s: %w", entry.Action, err)
	}
	return nil
}

// AppendAudit writes a standalone audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	return retryOnBusy(ctx, func() error {
		return appendAudit(ctx, s.db, entry)
	})
}

// ListAudit returns the audit trail of one entity, oldest first.
func (s *Store) ListAudit(ctx context.Context, entityTable, entityID string) ([]*domain.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, entity_table, entity_id, actor, metadata, created_at
		FROM audit_log WHERE entity_table = ? AND entity_id = ?
		ORDER BY created_at, id`,
		entityTable, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.AuditEntry
	for rows.Next() {
		var (
			e         domain.AuditEntry
			actor     sql.NullString
			metadata  string
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityTable, &e.EntityID, &actor, &metadata, &createdAt); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		if err := decodeJSON(metadata, &e.Metadata); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
