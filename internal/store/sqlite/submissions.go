package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const submissionColumns = `id, batch_id, task_id, source_url, raw_title, raw_raga, raw_composer,
	normalized_title, content_markdown, checksum, status, duplicates, extraction_id,
	created_at, updated_at`

func scanSubmission(scanner interface{ Scan(dest ...any) error }) (*domain.ImportSubmission, error) {
	var sub domain.ImportSubmission

	var (
		taskID       sql.NullString
		rawRaga      sql.NullString
		rawComposer  sql.NullString
		content      sql.NullString
		status       string
		duplicates   string
		extractionID sql.NullString
		createdAt    string
		updatedAt    string
	)

	err := scanner.Scan(
		&sub.ID,
		&sub.BatchID,
		&taskID,
		&sub.SourceURL,
		&sub.RawTitle,
		&rawRaga,
		&rawComposer,
		&sub.NormalizedTitle,
		&content,
		&sub.Checksum,
		&status,
		&duplicates,
		&extractionID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.TaskID = taskID.String
	sub.RawRaga = rawRaga.String
	sub.RawComposer = rawComposer.String
	sub.ContentMarkdown = content.String
	sub.Status = domain.SubmissionStatus(status)
	sub.ExtractionID = extractionID.String

	if err := decodeJSON(duplicates, &sub.Duplicates); err != nil {
		return nil, fmt.Errorf("submission %s duplicates: %w", sub.ID, err)
	}
	if sub.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sub.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sub, nil
}

func insertSubmission(ctx context.Context, ex execer, sub *domain.ImportSubmission) error {
	dups := sub.Duplicates
	if dups == nil {
		dups = []domain.DuplicateCandidate{}
	}
	duplicates, err := encodeJSON(dups)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO import_submissions (
			id, batch_id, task_id, source_url, raw_title, raw_raga, raw_composer,
			normalized_title, content_markdown, checksum, status, duplicates, extraction_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.BatchID,
		nullString(sub.TaskID),
		sub.SourceURL,
		sub.RawTitle,
		nullString(sub.RawRaga),
		nullString(sub.RawComposer),
		sub.NormalizedTitle,
		nullString(sub.ContentMarkdown),
		sub.Checksum,
		string(sub.Status),
		duplicates,
		nullString(sub.ExtractionID),
		formatTime(sub.CreatedAt),
		formatTime(sub.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

// SaveImport stores a submission together with the extraction item it queued, if any.
// Returns store.ErrAlreadyExists when the batch already holds a page with the same checksum.
func (s *Store) SaveImport(ctx context.Context, sub *domain.ImportSubmission, item *domain.ExtractionQueueItem, audit *domain.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if item != nil {
			if err := insertExtraction(ctx, tx, item); err != nil {
				return err
			}
		}
		if err := insertSubmission(ctx, tx, sub); err != nil {
			return err
		}
		return appendAudit(ctx, tx, audit)
	})
}

// GetSubmission retrieves a submission by ID.
// Returns store.ErrNotFound if the submission does not exist.
func (s *Store) GetSubmission(ctx context.Context, id string) (*domain.ImportSubmission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM import_submissions WHERE id = ?`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubmissionByChecksum finds the batch's submission for a page checksum.
// Returns store.ErrNotFound if there is none.
func (s *Store) GetSubmissionByChecksum(ctx context.Context, batchID, checksum string) (*domain.ImportSubmission, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+submissionColumns+` FROM import_submissions WHERE batch_id = ? AND checksum = ?`,
		batchID, checksum)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// ListPendingSubmissions returns the batch's submissions that have not been reconciled yet.
func (s *Store) ListPendingSubmissions(ctx context.Context, batchID string) ([]*domain.ImportSubmission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+submissionColumns+` FROM import_submissions
		WHERE batch_id = ? AND status IN ('PENDING', 'EXTRACTING')
		ORDER BY created_at, id`,
		batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*domain.ImportSubmission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// markSubmissionMerged closes the submission that queued an ingested extraction item.
func markSubmissionMerged(ctx context.Context, tx *sql.Tx, itemID, at string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE import_submissions SET status = 'MERGED', updated_at = ?
		WHERE extraction_id = ? AND status = 'EXTRACTING'`,
		at, itemID)
	if err != nil {
		return fmt.Errorf("mark submission merged: %w", err)
	}
	return nil
}
