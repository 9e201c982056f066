package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/store"
	"github.com/krithibase/krithibase-server/internal/validation"
)

// BatchStore is the persistence the batch service needs.
type BatchStore interface {
	SubmitBatch(ctx context.Context, b *domain.Batch, job *domain.Job, task *domain.Task, audit *domain.AuditEntry) error
	GetBatch(ctx context.Context, id string) (*domain.Batch, error)
	ListBatches(ctx context.Context, limit int) ([]*domain.Batch, error)
	ListJobs(ctx context.Context, batchID string) ([]*domain.Job, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error)
	CountTasksByStatus(ctx context.Context, batchID string) (map[domain.TaskStatus]int, error)
	PauseBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) error
	ResumeBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (domain.BatchStatus, error)
	CancelBatch(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (int, error)
	RetryBatch(ctx context.Context, id string, maxAttempts int, audit *domain.AuditEntry, at time.Time) (store.RetryResult, error)
}

// SubmitBatchInput names a manifest to ingest.
type SubmitBatchInput struct {
	ManifestPath string `json:"manifest_path" validate:"required"`
	Delimiter    string `json:"delimiter,omitempty" validate:"omitempty,len=1"`
	Actor        string `json:"-"`
}

// BatchDetail is a batch with its jobs and per-status task counts.
type BatchDetail struct {
	*domain.Batch
	Jobs       []*domain.Job             `json:"jobs"`
	TaskCounts map[domain.TaskStatus]int `json:"task_counts"`
}

// BatchService submits and controls ingestion batches.
type BatchService struct {
	store       BatchStore
	validator   *validation.Validator
	notify      func()
	maxAttempts int
	logger      *slog.Logger
	now         func() time.Time
}

// NewBatchService creates a batch service. notify wakes the worker pool after new work is queued.
func NewBatchService(s BatchStore, v *validation.Validator, notify func(), maxAttempts int, logger *slog.Logger) *BatchService {
	if notify == nil {
		notify = func() {}
	}
	return &BatchService{
		store:       s,
		validator:   v,
		notify:      notify,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Submit creates a PENDING batch with one MANIFEST_INGEST task for the manifest.
func (s *BatchService) Submit(ctx context.Context, input SubmitBatchInput) (*domain.Batch, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}
	path, err := filepath.Abs(input.ManifestPath)
	if err != nil {
		return nil, domainerrors.Validationf("invalid manifest path: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, domainerrors.Validationf("manifest %s is not readable", input.ManifestPath).WithCause(err)
	}
	if info.IsDir() {
		return nil, domainerrors.Validationf("manifest %s is a directory", input.ManifestPath)
	}

	now := s.now().UTC()
	batch := &domain.Batch{
		ID:             id.MustGenerate(id.Batch),
		SourceManifest: path,
		Status:         domain.BatchStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job := &domain.Job{
		ID:        id.MustGenerate(id.Job),
		BatchID:   batch.ID,
		Type:      domain.JobTypeManifestIngest,
		Payload:   domain.ManifestIngestPayload{ManifestPath: path, Delimiter: input.Delimiter},
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := &domain.Task{
		ID:        id.MustGenerate(id.Task),
		JobID:     job.ID,
		BatchID:   batch.ID,
		JobType:   domain.JobTypeManifestIngest,
		WorkKey:   path,
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	audit := s.audit(domain.AuditBatchSubmitted, batch.ID, input.Actor, now, map[string]any{
		"manifest": path,
	})

	if err := s.store.SubmitBatch(ctx, batch, job, task, audit); err != nil {
		return nil, fmt.Errorf("submit batch: %w", err)
	}
	s.notify()

	s.logger.Info("batch submitted",
		slog.String("batch_id", batch.ID),
		slog.String("manifest", path),
	)
	return batch, nil
}

// Get returns the batch with its jobs and task counts.
func (s *BatchService) Get(ctx context.Context, batchID string) (*BatchDetail, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	jobs, err := s.store.ListJobs(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	counts, err := s.store.CountTasksByStatus(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	return &BatchDetail{Batch: b, Jobs: jobs, TaskCounts: counts}, nil
}

// List returns the most recent batches.
func (s *BatchService) List(ctx context.Context, limit int) ([]*domain.Batch, error) {
	return s.store.ListBatches(ctx, limit)
}

// ListTasks returns a batch's tasks, optionally filtered by status.
func (s *BatchService) ListTasks(ctx context.Context, batchID string, status domain.TaskStatus, limit int) ([]*domain.Task, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	if status != "" {
		if err := s.validator.Var("status", string(status), "oneof=PENDING RUNNING SUCCEEDED FAILED RETRYABLE BLOCKED CANCELLED"); err != nil {
			return nil, err
		}
	}
	return s.store.ListTasks(ctx, store.TaskFilter{BatchID: batchID, Status: status, Limit: limit})
}

// Pause stops new claims for the batch.
func (s *BatchService) Pause(ctx context.Context, batchID, actor string) (*domain.Batch, error) {
	now := s.now().UTC()
	if err := s.store.PauseBatch(ctx, batchID, s.audit(domain.AuditBatchPaused, batchID, actor, now, nil), now); err != nil {
		return nil, err
	}
	s.logger.Info("batch paused", slog.String("batch_id", batchID))
	return s.store.GetBatch(ctx, batchID)
}

// Resume lets a paused batch's tasks be claimed again.
func (s *BatchService) Resume(ctx context.Context, batchID, actor string) (*domain.Batch, error) {
	now := s.now().UTC()
	status, err := s.store.ResumeBatch(ctx, batchID, s.audit(domain.AuditBatchResumed, batchID, actor, now, nil), now)
	if err != nil {
		return nil, err
	}
	if !status.Terminal() {
		s.notify()
	}
	s.logger.Info("batch resumed", slog.String("batch_id", batchID), slog.String("status", string(status)))
	return s.store.GetBatch(ctx, batchID)
}

// Cancel cancels the batch and its unfinished tasks.
func (s *BatchService) Cancel(ctx context.Context, batchID, actor string) (*domain.Batch, error) {
	now := s.now().UTC()
	cancelled, err := s.store.CancelBatch(ctx, batchID, s.audit(domain.AuditBatchCancelled, batchID, actor, now, nil), now)
	if err != nil {
		return nil, err
	}
	s.logger.Info("batch cancelled", slog.String("batch_id", batchID), slog.Int("tasks_cancelled", cancelled))
	return s.store.GetBatch(ctx, batchID)
}

// Retry requeues failed tasks that still have attempts left.
func (s *BatchService) Retry(ctx context.Context, batchID, actor string) (store.RetryResult, error) {
	now := s.now().UTC()
	result, err := s.store.RetryBatch(ctx, batchID, s.maxAttempts, s.audit(domain.AuditBatchRetried, batchID, actor, now, nil), now)
	if err != nil {
		return result, err
	}
	if result.Requeued > 0 {
		s.notify()
	}
	s.logger.Info("batch retried",
		slog.String("batch_id", batchID),
		slog.Int("requeued", result.Requeued),
		slog.Int("skipped", result.Skipped),
	)
	return result, nil
}

func (s *BatchService) audit(action, batchID, actor string, at time.Time, metadata map[string]any) *domain.AuditEntry {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = domain.SystemActor
	}
	return &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      action,
		EntityTable: "batches",
		EntityID:    batchID,
		Actor:       actor,
		Metadata:    metadata,
		CreatedAt:   at,
	}
}
