package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const extractionColumns = `id, batch_id, submission_id, source_url, format, intent, related_item_id,
	content, result_payload, status, error, attempts,
	created_at, updated_at, completed_at, ingested_at`

func scanExtraction(scanner interface{ Scan(dest ...any) error }) (*domain.ExtractionQueueItem, error) {
	var item domain.ExtractionQueueItem

	var (
		batchID       sql.NullString
		submissionID  sql.NullString
		format        string
		intent        string
		relatedItemID sql.NullString
		content       sql.NullString
		resultPayload sql.NullString
		status        string
		itemErr       sql.NullString
		createdAt     string
		updatedAt     string
		completedAt   sql.NullString
		ingestedAt    sql.NullString
	)

	err := scanner.Scan(
		&item.ID,
		&batchID,
		&submissionID,
		&item.SourceURL,
		&format,
		&intent,
		&relatedItemID,
		&content,
		&resultPayload,
		&status,
		&itemErr,
		&item.Attempts,
		&createdAt,
		&updatedAt,
		&completedAt,
		&ingestedAt,
	)
	if err != nil {
		return nil, err
	}

	item.BatchID = batchID.String
	item.SubmissionID = submissionID.String
	item.Format = domain.SourceFormat(format)
	item.Intent = domain.ExtractionIntent(intent)
	item.RelatedItemID = relatedItemID.String
	item.Content = content.String
	item.ResultPayload = resultPayload.String
	item.Status = domain.ExtractionStatus(status)
	item.Error = itemErr.String

	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if item.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	if item.IngestedAt, err = parseNullableTime(ingestedAt); err != nil {
		return nil, err
	}
	return &item, nil
}

func insertExtraction(ctx context.Context, ex execer, item *domain.ExtractionQueueItem) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO extraction_queue (
			id, batch_id, submission_id, source_url, format, intent, related_item_id,
			content, result_payload, status, error, attempts,
			created_at, updated_at, completed_at, ingested_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		nullString(item.BatchID),
		nullString(item.SubmissionID),
		item.SourceURL,
		string(item.Format),
		string(item.Intent),
		nullString(item.RelatedItemID),
		nullString(item.Content),
		nullString(item.ResultPayload),
		string(item.Status),
		nullString(item.Error),
		item.Attempts,
		formatTime(item.CreatedAt),
		formatTime(item.UpdatedAt),
		nullTimeString(item.CompletedAt),
		nullTimeString(item.IngestedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert extraction item: %w", err)
	}
	return nil
}

// EnqueueExtraction inserts a new extraction request.
func (s *Store) EnqueueExtraction(ctx context.Context, item *domain.ExtractionQueueItem) error {
	return retryOnBusy(ctx, func() error {
		return insertExtraction(ctx, s.db, item)
	})
}

// GetExtraction retrieves an extraction item by ID.
// Returns store.ErrNotFound if the item does not exist.
func (s *Store) GetExtraction(ctx context.Context, id string) (*domain.ExtractionQueueItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+extractionColumns+` FROM extraction_queue WHERE id = ?`, id)
	item, err := scanExtraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// ListExtractionsByStatus returns up to limit items in status, oldest first.
func (s *Store) ListExtractionsByStatus(ctx context.Context, status domain.ExtractionStatus, limit int) ([]*domain.ExtractionQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+extractionColumns+` FROM extraction_queue
		WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.ExtractionQueueItem
	for rows.Next() {
		item, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ListProcessableExtractions returns up to limit DONE items in processing order. Items
// without a recorded error come first, then the least recently attempted, so items that
// keep failing cannot starve the rest of the queue.
func (s *Store) ListProcessableExtractions(ctx context.Context, limit int) ([]*domain.ExtractionQueueItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+extractionColumns+` FROM extraction_queue
		WHERE status = 'DONE'
		ORDER BY error IS NOT NULL, updated_at, id LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.ExtractionQueueItem
	for rows.Next() {
		item, err := scanExtraction(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimExtraction leases the oldest PENDING item to an external extractor.
// It returns nil when nothing is pending.
func (s *Store) ClaimExtraction(ctx context.Context, at time.Time) (*domain.ExtractionQueueItem, error) {
	var item *domain.ExtractionQueueItem
	err := retryOnBusy(ctx, func() error {
		item = nil
		claimed, err := scanExtraction(s.db.QueryRowContext(ctx, `
			UPDATE extraction_queue
			SET status = 'PROCESSING', attempts = attempts + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM extraction_queue WHERE status = 'PENDING' ORDER BY created_at, id LIMIT 1
			) AND status = 'PENDING'
			RETURNING `+extractionColumns,
			formatTime(at)))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		item = claimed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim extraction: %w", err)
	}
	return item, nil
}

// CompleteExtraction stores the extractor's result and moves a PENDING or PROCESSING item to DONE.
func (s *Store) CompleteExtraction(ctx context.Context, id, resultPayload string, at time.Time) error {
	now := formatTime(at)
	res, err := s.execWithRetry(ctx, `
		UPDATE extraction_queue
		SET status = 'DONE', result_payload = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		resultPayload, now, now, id)
	if err != nil {
		return fmt.Errorf("complete extraction: %w", err)
	}
	return s.extractionTransitionResult(ctx, res, id)
}

// FailExtraction records an extractor failure and moves the item to FAILED.
func (s *Store) FailExtraction(ctx context.Context, id, message string, at time.Time) error {
	now := formatTime(at)
	res, err := s.execWithRetry(ctx, `
		UPDATE extraction_queue
		SET status = 'FAILED', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'PROCESSING')`,
		message, now, now, id)
	if err != nil {
		return fmt.Errorf("fail extraction: %w", err)
	}
	return s.extractionTransitionResult(ctx, res, id)
}

// MarkExtractionIngested moves a DONE item to INGESTED. It reports false when the item
// was not DONE, which makes repeated calls no-ops.
func (s *Store) MarkExtractionIngested(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		applied, err = markIngested(ctx, tx, id, at)
		if err != nil || !applied {
			return err
		}
		return appendAudit(ctx, tx, audit)
	})
	return applied, err
}

func markIngested(ctx context.Context, tx *sql.Tx, id string, at time.Time) (bool, error) {
	now := formatTime(at)
	res, err := tx.ExecContext(ctx, `
		UPDATE extraction_queue SET status = 'INGESTED', error = NULL, ingested_at = ?, updated_at = ?
		WHERE id = ? AND status = 'DONE'`,
		now, now, id)
	if err != nil {
		return false, fmt.Errorf("mark extraction ingested: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordExtractionError notes a processing error on a DONE item without changing its status,
// so the item is picked up again on the next pass.
func (s *Store) RecordExtractionError(ctx context.Context, id, message string, at time.Time) error {
	_, err := s.execWithRetry(ctx, `
		UPDATE extraction_queue SET error = ?, updated_at = ? WHERE id = ?`,
		message, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("record extraction error: %w", err)
	}
	return nil
}

// ExtractionKrithiIDs returns the krithis an item's evidence is attached to, in entry order.
func (s *Store) ExtractionKrithiIDs(ctx context.Context, itemID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT krithi_id FROM source_evidence WHERE extraction_item_id = ?
		GROUP BY krithi_id ORDER BY MIN(entry_index), krithi_id`,
		itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var krithiID string
		if err := rows.Scan(&krithiID); err != nil {
			return nil, err
		}
		ids = append(ids, krithiID)
	}
	return ids, rows.Err()
}

func (s *Store) extractionTransitionResult(ctx context.Context, res sql.Result, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM extraction_queue WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrConflict.WithMessage(fmt.Sprintf("extraction %s is %s", id, status))
}
