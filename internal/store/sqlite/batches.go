package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/store"
)

// batchColumns must match the scan order in scanBatch.
const batchColumns = `id, source_manifest, status,
	total_tasks, processed_tasks, succeeded_tasks, failed_tasks, blocked_tasks,
	created_at, updated_at, started_at, completed_at`

func scanBatch(scanner interface{ Scan(dest ...any) error }) (*domain.Batch, error) {
	var b domain.Batch

	var (
		status      string
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)

	err := scanner.Scan(
		&b.ID,
		&b.SourceManifest,
		&status,
		&b.TotalTasks,
		&b.ProcessedTasks,
		&b.SucceededTasks,
		&b.FailedTasks,
		&b.BlockedTasks,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	b.Status = domain.BatchStatus(status)

	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if b.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if b.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// SubmitBatch inserts a new batch together with its MANIFEST_INGEST job and task.
func (s *Store) SubmitBatch(ctx context.Context, b *domain.Batch, job *domain.Job, task *domain.Task, audit *domain.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO batches (
				id, source_manifest, status,
				total_tasks, processed_tasks, succeeded_tasks, failed_tasks, blocked_tasks,
				created_at, updated_at
			) VALUES (?, ?, ?, 0, 0, 0, 0, 0, ?, ?)`,
			b.ID,
			b.SourceManifest,
			string(b.Status),
			formatTime(b.CreatedAt),
			formatTime(b.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrAlreadyExists
			}
			return fmt.Errorf("insert batch: %w", err)
		}
		if err := insertJob(ctx, tx, job); err != nil {
			return err
		}
		if err := insertTask(ctx, tx, task); err != nil {
			return err
		}
		return appendAudit(ctx, tx, audit)
	})
}

// GetBatch retrieves a batch by ID.
// Returns store.ErrNotFound if the batch does not exist.
func (s *Store) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	return getBatch(ctx, s.db, id)
}

func getBatch(ctx context.Context, ex execer, id string) (*domain.Batch, error) {
	row := ex.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListBatches returns the most recent batches first.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*domain.Batch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// batchTransitionError tells a missing batch apart from one in the wrong state.
func batchTransitionError(ctx context.Context, ex execer, id string) error {
	var status string
	err := ex.QueryRowContext(ctx, `SELECT status FROM batches WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return err
	}
	return store.ErrConflict.WithMessage(fmt.Sprintf("batch %s is %s", id, status))
}

// PauseBatch stops further claims for a PENDING or RUNNING batch. Running tasks finish normally.
func (s *Store) PauseBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE batches SET status = 'PAUSED', updated_at = ?
			WHERE id = ? AND status IN ('PENDING', 'RUNNING')`,
			formatTime(at), id)
		if err != nil {
			return fmt.Errorf("pause batch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return batchTransitionError(ctx, tx, id)
		}
		return appendAudit(ctx, tx, audit)
	})
}

// ResumeBatch returns a PAUSED batch to RUNNING, or to PENDING if its manifest was never expanded.
// A batch whose tasks all finished while paused completes immediately.
func (s *Store) ResumeBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (domain.BatchStatus, error) {
	var status domain.BatchStatus
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(at)
		var raw string
		err := tx.QueryRowContext(ctx, `
			UPDATE batches
			SET status = CASE WHEN total_tasks > 0 THEN 'RUNNING' ELSE 'PENDING' END, updated_at = ?
			WHERE id = ? AND status = 'PAUSED'
			RETURNING status`,
			now, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return batchTransitionError(ctx, tx, id)
		}
		if err != nil {
			return fmt.Errorf("resume batch: %w", err)
		}
		status = domain.BatchStatus(raw)

		if err := appendAudit(ctx, tx, audit); err != nil {
			return err
		}
		if final, done, err := completeBatchIfDone(ctx, tx, id, at); err != nil {
			return err
		} else if done {
			status = final
		}
		return nil
	})
	return status, err
}

// CancelBatch cancels a non-terminal batch and every non-terminal task and job in it.
// It returns the number of tasks cancelled.
func (s *Store) CancelBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (int, error) {
	var cancelled int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(at)
		res, err := tx.ExecContext(ctx, `
			UPDATE batches SET status = 'CANCELLED', completed_at = ?, updated_at = ?
			WHERE id = ? AND status NOT IN ('SUCCEEDED', 'FAILED', 'CANCELLED')`,
			now, now, id)
		if err != nil {
			return fmt.Errorf("cancel batch: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return batchTransitionError(ctx, tx, id)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'CANCELLED', completed_at = ?, updated_at = ?
			WHERE batch_id = ? AND status IN ('PENDING', 'RUNNING', 'RETRYABLE')`,
			now, now, id)
		if err != nil {
			return fmt.Errorf("cancel tasks: %w", err)
		}
		n, _ := res.RowsAffected()
		cancelled = int(n)

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'CANCELLED', completed_at = ?, updated_at = ?
			WHERE batch_id = ? AND status IN ('PENDING', 'RUNNING', 'RETRYABLE')`,
			now, now, id); err != nil {
			return fmt.Errorf("cancel jobs: %w", err)
		}
		return appendAudit(ctx, tx, audit)
	})
	return cancelled, err
}

// RetryBatch requeues FAILED and RETRYABLE tasks that still have attempts left.
// Requeued FAILED scrape tasks are taken back out of the counters so they count again once.
func (s *Store) RetryBatch(ctx context.Context, id string, maxAttempts int, audit *domain.AuditEntry, at time.Time) (store.RetryResult, error) {
	var result store.RetryResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = store.RetryResult{}
		now := formatTime(at)

		b, err := getBatch(ctx, tx, id)
		if err != nil {
			return err
		}
		if b.Status == domain.BatchStatusCancelled || b.Status == domain.BatchStatusSucceeded {
			return store.ErrConflict.WithMessage(fmt.Sprintf("batch %s is %s", id, b.Status))
		}

		var uncount int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE batch_id = ? AND job_type = 'SCRAPE' AND status = 'FAILED' AND attempt < ?`,
			id, maxAttempts).Scan(&uncount); err != nil {
			return fmt.Errorf("count failed tasks: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE batch_id = ? AND status IN ('FAILED', 'RETRYABLE') AND attempt >= ?`,
			id, maxAttempts).Scan(&result.Skipped); err != nil {
			return fmt.Errorf("count exhausted tasks: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'PENDING', error = NULL, claimed_by = NULL, completed_at = NULL, updated_at = ?
			WHERE batch_id = ? AND status IN ('FAILED', 'RETRYABLE') AND attempt < ?`,
			now, id, maxAttempts)
		if err != nil {
			return fmt.Errorf("requeue tasks: %w", err)
		}
		n, _ := res.RowsAffected()
		result.Requeued = int(n)
		if result.Requeued == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET
				processed_tasks = processed_tasks - ?,
				failed_tasks = failed_tasks - ?,
				status = CASE
					WHEN status = 'PAUSED' THEN 'PAUSED'
					WHEN total_tasks > 0 THEN 'RUNNING'
					ELSE 'PENDING'
				END,
				completed_at = NULL,
				updated_at = ?
			WHERE id = ?`,
			uncount, uncount, now, id); err != nil {
			return fmt.Errorf("reset batch counters: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = CASE job_type WHEN 'SCRAPE' THEN 'RUNNING' ELSE 'PENDING' END,
				error = NULL, completed_at = NULL, updated_at = ?
			WHERE batch_id = ?
				AND status NOT IN ('PENDING', 'RUNNING')
				AND id IN (SELECT job_id FROM tasks WHERE batch_id = ? AND status = 'PENDING')`,
			now, id, id); err != nil {
			return fmt.Errorf("reopen jobs: %w", err)
		}

		if audit != nil {
			audit.Metadata = mergeMetadata(audit.Metadata, map[string]any{
				"requeued": result.Requeued,
				"skipped":  result.Skipped,
			})
		}
		return appendAudit(ctx, tx, audit)
	})
	return result, err
}

// CompleteBatchIfDone moves a RUNNING batch whose tasks are all processed to its terminal status.
// The boolean is true only for the call that performed the transition.
func (s *Store) CompleteBatchIfDone(ctx context.Context, id string, at time.Time) (domain.BatchStatus, bool, error) {
	var (
		status domain.BatchStatus
		done   bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		status, done, err = completeBatchIfDone(ctx, tx, id, at)
		return err
	})
	return status, done, err
}

// completeBatchIfDone is the single place a batch reaches SUCCEEDED or FAILED. The
// transition that wins also closes the SCRAPE job and writes the completion audit entry.
func completeBatchIfDone(ctx context.Context, tx *sql.Tx, batchID string, at time.Time) (domain.BatchStatus, bool, error) {
	now := formatTime(at)

	var (
		raw                               string
		total, succeeded, failed, blocked int
	)
	err := tx.QueryRowContext(ctx, `
		UPDATE batches
		SET status = CASE WHEN failed_tasks = 0 AND blocked_tasks = 0 THEN 'SUCCEEDED' ELSE 'FAILED' END,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'RUNNING' AND processed_tasks = total_tasks
		RETURNING status, total_tasks, succeeded_tasks, failed_tasks, blocked_tasks`,
		now, now, batchID).Scan(&raw, &total, &succeeded, &failed, &blocked)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("complete batch: %w", err)
	}
	status := domain.BatchStatus(raw)

	jobStatus := domain.TaskStatusSucceeded
	if status != domain.BatchStatusSucceeded {
		jobStatus = domain.TaskStatusFailed
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, completed_at = ?, updated_at = ?
		WHERE batch_id = ? AND job_type = 'SCRAPE' AND status IN ('PENDING', 'RUNNING')`,
		string(jobStatus), now, now, batchID); err != nil {
		return "", false, fmt.Errorf("close scrape job: %w", err)
	}

	auditID, err := id.Generate(id.AuditEntry)
	if err != nil {
		return "", false, err
	}
	err = appendAudit(ctx, tx, &domain.AuditEntry{
		ID:          auditID,
		Action:      domain.AuditBatchCompleted,
		EntityTable: "batches",
		EntityID:    batchID,
		Actor:       domain.SystemActor,
		Metadata: map[string]any{
			"status":    raw,
			"total":     total,
			"succeeded": succeeded,
			"failed":    failed,
			"blocked":   blocked,
		},
		CreatedAt: at,
	})
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

func mergeMetadata(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
