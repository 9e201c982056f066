package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

const jobColumns = `id, batch_id, job_type, payload, status, error, created_at, updated_at, completed_at`

func scanJob(scanner interface{ Scan(dest ...any) error }) (*domain.Job, error) {
	var j domain.Job

	var (
		jobType     string
		payload     string
		status      string
		jobErr      sql.NullString
		createdAt   string
		updatedAt   string
		completedAt sql.NullString
	)

	err := scanner.Scan(&j.ID, &j.BatchID, &jobType, &payload, &status, &jobErr, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Type = domain.JobType(jobType)
	j.Status = domain.TaskStatus(status)
	j.Error = jobErr.String

	if j.Payload, err = domain.DecodeJobPayload(j.Type, []byte(payload)); err != nil {
		return nil, fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &j, nil
}

func insertJob(ctx context.Context, ex execer, job *domain.Job) error {
	if job.Payload == nil || job.Payload.JobType() != job.Type {
		return store.ErrInvalidInput.WithMessage(fmt.Sprintf("job %s payload does not match type %s", job.ID, job.Type))
	}
	payload, err := domain.EncodeJobPayload(job.Payload)
	if err != nil {
		return err
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO jobs (id, batch_id, job_type, payload, status, error, created_at, updated_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.BatchID,
		string(job.Type),
		string(payload),
		string(job.Status),
		nullString(job.Error),
		formatTime(job.CreatedAt),
		formatTime(job.UpdatedAt),
		nullTimeString(job.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID with its decoded payload.
// Returns store.ErrNotFound if the job does not exist.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobs returns a batch's jobs in creation order.
func (s *Store) ListJobs(ctx context.Context, batchID string) ([]*domain.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE batch_id = ? ORDER BY created_at, id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
