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

// taskColumns must match the scan order in scanTask.
const taskColumns = `id, job_id, batch_id, job_type, work_key, source_url, metadata,
	status, attempt, error, duration_ms, claimed_by,
	created_at, updated_at, started_at, completed_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*domain.Task, error) {
	var t domain.Task

	var (
		jobType     string
		sourceURL   sql.NullString
		metadata    string
		status      string
		taskErr     sql.NullString
		durationMS  int64
		claimedBy   sql.NullString
		createdAt   string
		updatedAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)

	err := scanner.Scan(
		&t.ID,
		&t.JobID,
		&t.BatchID,
		&jobType,
		&t.WorkKey,
		&sourceURL,
		&metadata,
		&status,
		&t.Attempt,
		&taskErr,
		&durationMS,
		&claimedBy,
		&createdAt,
		&updatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.JobType = domain.JobType(jobType)
	t.SourceURL = sourceURL.String
	t.Status = domain.TaskStatus(status)
	t.Duration = time.Duration(durationMS) * time.Millisecond
	t.ClaimedBy = claimedBy.String

	if err := decodeJSON(metadata, &t.Metadata); err != nil {
		return nil, fmt.Errorf("task %s metadata: %w", t.ID, err)
	}
	if taskErr.Valid {
		var te domain.TaskError
		if err := decodeJSON(taskErr.String, &te); err != nil {
			te = domain.TaskError{Message: taskErr.String}
		}
		t.Error = &te
	}

	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeTaskError(te *domain.TaskError) (sql.NullString, error) {
	if te == nil {
		return sql.NullString{}, nil
	}
	raw, err := encodeJSON(te)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func insertTask(ctx context.Context, ex execer, task *domain.Task) error {
	metadata, err := task.MetadataJSON()
	if err != nil {
		return err
	}
	taskErr, err := encodeTaskError(task.Error)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tasks (
			id, job_id, batch_id, job_type, work_key, source_url, metadata,
			status, attempt, error, duration_ms, claimed_by,
			created_at, updated_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.JobID,
		task.BatchID,
		string(task.JobType),
		task.WorkKey,
		nullString(task.SourceURL),
		metadata,
		string(task.Status),
		task.Attempt,
		taskErr,
		task.Duration.Milliseconds(),
		nullString(task.ClaimedBy),
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
		nullTimeString(task.StartedAt),
		nullTimeString(task.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
// Returns store.ErrNotFound if the task does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasks returns tasks matching the filter in creation order.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE batch_id = ?`
	args := []any{filter.BatchID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountTasksByStatus returns the number of tasks per status in a batch.
func (s *Store) CountTasksByStatus(ctx context.Context, batchID string) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ClaimTask atomically moves the oldest claimable PENDING task of jobType to RUNNING,
// incrementing its attempt and recording owner. It returns nil when there is no work.
//
// The conditional UPDATE is the only claim path, so two claimers can never receive the
// same task: the loser's UPDATE matches zero rows.
func (s *Store) ClaimTask(ctx context.Context, jobType domain.JobType, owner string, at time.Time) (*domain.Task, error) {
	statuses := jobType.ClaimableBatchStatuses()
	if len(statuses) == 0 {
		return nil, store.ErrInvalidInput.WithMessage(fmt.Sprintf("unknown job type %q", jobType))
	}

	now := formatTime(at)
	args := []any{owner, now, now, string(jobType)}
	for _, st := range statuses {
		args = append(args, string(st))
	}

	query := `
		UPDATE tasks
		SET status = 'RUNNING', attempt = attempt + 1, claimed_by = ?, started_at = ?, updated_at = ?,
			completed_at = NULL
		WHERE id = (
			SELECT t.id FROM tasks t
			JOIN batches b ON b.id = t.batch_id
			WHERE t.status = 'PENDING' AND t.job_type = ? AND b.status IN (` + makePlaceholders(len(statuses)) + `)
			ORDER BY t.created_at, t.id
			LIMIT 1
		) AND status = 'PENDING'
		RETURNING ` + taskColumns

	var task *domain.Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		task = nil
		claimed, err := scanTask(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'RUNNING', updated_at = ?
			WHERE id = ? AND status = 'PENDING'`,
			now, claimed.JobID); err != nil {
			return fmt.Errorf("mark job running: %w", err)
		}
		task = claimed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CompleteTask records the outcome of a RUNNING task. The status change, the batch
// counters and the completion check commit together; if the task is no longer RUNNING
// nothing changes and Applied is false.
//
// Only SCRAPE tasks reaching SUCCEEDED, FAILED or BLOCKED are counted. A MANIFEST_INGEST
// task's job mirrors the task's terminal status.
func (s *Store) CompleteTask(ctx context.Context, outcome store.TaskOutcome, audit *domain.AuditEntry) (store.TaskCompletion, error) {
	if outcome.Status == domain.TaskStatusRunning || outcome.Status == domain.TaskStatusPending {
		return store.TaskCompletion{}, store.ErrInvalidInput.WithMessage(fmt.Sprintf("%s is not an outcome", outcome.Status))
	}
	taskErr, err := encodeTaskError(outcome.Error)
	if err != nil {
		return store.TaskCompletion{}, err
	}

	var completion store.TaskCompletion
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		completion = store.TaskCompletion{}
		now := formatTime(outcome.At)

		var completedAt sql.NullString
		if outcome.Status.Terminal() {
			completedAt = sql.NullString{String: now, Valid: true}
		}

		var jobID, batchID, jobType string
		err := tx.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = ?, error = ?, duration_ms = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'RUNNING'
			RETURNING job_id, batch_id, job_type`,
			string(outcome.Status), taskErr, outcome.Duration.Milliseconds(), completedAt, now, outcome.TaskID,
		).Scan(&jobID, &batchID, &jobType)
		if errors.Is(err, sql.ErrNoRows) {
			var exists int
			if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id = ?`, outcome.TaskID).Scan(&exists); errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		completion.Applied = true

		switch domain.JobType(jobType) {
		case domain.JobTypeScrape:
			if outcome.FailJob {
				if err := failJob(ctx, tx, jobID, outcome.Error, now); err != nil {
					return err
				}
			}
			if !outcome.Status.Counted() {
				break
			}
			counted, err := countTask(ctx, tx, batchID, outcome.Status, now)
			if err != nil {
				return err
			}
			completion.Counted = counted
			completion.BatchStatus, completion.BatchCompleted, err = completeBatchIfDone(ctx, tx, batchID, outcome.At)
			if err != nil {
				return err
			}
		case domain.JobTypeManifestIngest:
			if !outcome.Status.Terminal() {
				break
			}
			var jobErr sql.NullString
			if outcome.Error != nil {
				jobErr = nullString(outcome.Error.Message)
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE jobs SET status = ?, error = ?, completed_at = ?, updated_at = ?
				WHERE id = ?`,
				string(outcome.Status), jobErr, now, now, jobID); err != nil {
				return fmt.Errorf("finish manifest job: %w", err)
			}
		}

		return appendAudit(ctx, tx, audit)
	})
	return completion, err
}

// failJob marks a job FAILED unless it already finished.
func failJob(ctx context.Context, tx *sql.Tx, jobID string, taskErr *domain.TaskError, now string) error {
	var jobErr sql.NullString
	if taskErr != nil {
		jobErr = nullString(taskErr.Message)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET status = 'FAILED', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('PENDING', 'RUNNING')`,
		jobErr, now, now, jobID); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// countTask adds one terminal task to the batch counters. The processed <= total guard
// keeps the invariant even if a caller misbehaves.
func countTask(ctx context.Context, tx *sql.Tx, batchID string, status domain.TaskStatus, now string) (bool, error) {
	var succeeded, failed, blocked int
	switch status {
	case domain.TaskStatusSucceeded:
		succeeded = 1
	case domain.TaskStatusFailed:
		failed = 1
	case domain.TaskStatusBlocked:
		blocked = 1
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE batches SET
			processed_tasks = processed_tasks + 1,
			succeeded_tasks = succeeded_tasks + ?,
			failed_tasks = failed_tasks + ?,
			blocked_tasks = blocked_tasks + ?,
			updated_at = ?
		WHERE id = ? AND processed_tasks < total_tasks`,
		succeeded, failed, blocked, now, batchID)
	if err != nil {
		return false, fmt.Errorf("count task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ExpandManifest commits a successful manifest task: the task and its job succeed, the
// SCRAPE job and its tasks are inserted, and the batch gets its total and moves to RUNNING.
// Returns store.ErrConflict if the manifest task is no longer RUNNING or the batch is terminal.
func (s *Store) ExpandManifest(ctx context.Context, exp store.ManifestExpansion) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(exp.At)

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET status = 'SUCCEEDED', error = NULL, duration_ms = ?, completed_at = ?, updated_at = ?
			WHERE id = ? AND status = 'RUNNING'`,
			exp.Duration.Milliseconds(), now, now, exp.ManifestTask.ID)
		if err != nil {
			return fmt.Errorf("finish manifest task: %w", err)
		}
		if err := checkAffected(res, store.ErrConflict.WithMessage("manifest task is no longer running")); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'SUCCEEDED', error = NULL, completed_at = ?, updated_at = ?
			WHERE id = ?`,
			now, now, exp.ManifestTask.JobID); err != nil {
			return fmt.Errorf("finish manifest job: %w", err)
		}

		if err := insertJob(ctx, tx, exp.ScrapeJob); err != nil {
			return err
		}
		for _, task := range exp.Tasks {
			if err := insertTask(ctx, tx, task); err != nil {
				return err
			}
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE batches SET
				total_tasks = ?,
				status = CASE WHEN status = 'PENDING' THEN 'RUNNING' ELSE status END,
				started_at = COALESCE(started_at, ?),
				updated_at = ?
			WHERE id = ? AND status IN ('PENDING', 'RUNNING', 'PAUSED') AND processed_tasks = 0`,
			len(exp.Tasks), now, now, exp.ManifestTask.BatchID)
		if err != nil {
			return fmt.Errorf("set batch total: %w", err)
		}
		if err := checkAffected(res, store.ErrConflict.WithMessage("batch can no longer be expanded")); err != nil {
			return err
		}

		return appendAudit(ctx, tx, exp.Audit)
	})
}

// ReapStaleTasks recovers RUNNING tasks whose started_at is before cutoff. Tasks with
// attempts left become RETRYABLE; exhausted ones fail and are counted once.
func (s *Store) ReapStaleTasks(ctx context.Context, cutoff time.Time, maxAttempts int, at time.Time) (store.ReapResult, error) {
	type stale struct {
		id, jobID, batchID, jobType string
		attempt                     int
	}

	var result store.ReapResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result = store.ReapResult{}
		now := formatTime(at)

		rows, err := tx.QueryContext(ctx, `
			SELECT id, job_id, batch_id, job_type, attempt FROM tasks
			WHERE status = 'RUNNING' AND started_at < ?
			ORDER BY started_at`,
			formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("find stale tasks: %w", err)
		}
		var found []stale
		for rows.Next() {
			var st stale
			if err := rows.Scan(&st.id, &st.jobID, &st.batchID, &st.jobType, &st.attempt); err != nil {
				rows.Close()
				return err
			}
			found = append(found, st)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, st := range found {
			status := domain.TaskStatusRetryable
			var completedAt sql.NullString
			if st.attempt >= maxAttempts {
				status = domain.TaskStatusFailed
				completedAt = sql.NullString{String: now, Valid: true}
			}
			taskErr, err := encodeTaskError(&domain.TaskError{
				Message: "task exceeded the stale timeout",
				Context: map[string]any{"attempt": st.attempt, "max_attempts": maxAttempts},
			})
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE tasks SET status = ?, error = ?, completed_at = ?, updated_at = ?
				WHERE id = ? AND status = 'RUNNING'`,
				string(status), taskErr, completedAt, now, st.id)
			if err != nil {
				return fmt.Errorf("reap task: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}

			if status == domain.TaskStatusRetryable {
				result.Requeued++
				continue
			}
			result.Failed++

			switch domain.JobType(st.jobType) {
			case domain.JobTypeScrape:
				if _, err := countTask(ctx, tx, st.batchID, status, now); err != nil {
					return err
				}
				if _, done, err := completeBatchIfDone(ctx, tx, st.batchID, at); err != nil {
					return err
				} else if done {
					result.CompletedBatches = append(result.CompletedBatches, st.batchID)
				}
			case domain.JobTypeManifestIngest:
				if _, err := tx.ExecContext(ctx, `
					UPDATE jobs SET status = 'FAILED', error = 'manifest task exceeded the stale timeout',
						completed_at = ?, updated_at = ?
					WHERE id = ?`,
					now, now, st.jobID); err != nil {
					return fmt.Errorf("fail manifest job: %w", err)
				}
			}
		}
		return nil
	})
	return result, err
}

// PromoteRetryable moves RETRYABLE tasks last touched before olderThan back to PENDING.
func (s *Store) PromoteRetryable(ctx context.Context, olderThan, at time.Time) (int, error) {
	res, err := s.execWithRetry(ctx, `
		UPDATE tasks SET status = 'PENDING', claimed_by = NULL, updated_at = ?
		WHERE status = 'RETRYABLE' AND updated_at < ?`,
		formatTime(at), formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("promote retryable tasks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}
