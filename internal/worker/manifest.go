package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/manifest"
	"github.com/krithibase/krithibase-server/internal/store"
)

// ManifestStore is what manifest expansion needs from the store.
type ManifestStore interface {
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	ExpandManifest(ctx context.Context, exp store.ManifestExpansion) error
}

// ManifestHandler expands a MANIFEST_INGEST task into one SCRAPE task per usable row.
type ManifestHandler struct {
	store  ManifestStore
	notify func()
	logger *slog.Logger
	now    func() time.Time
}

// NewManifestHandler creates a ManifestHandler. notify, if set, is called after new
// scrape tasks are committed.
func NewManifestHandler(s ManifestStore, notify func(), logger *slog.Logger) *ManifestHandler {
	if notify == nil {
		notify = func() {}
	}
	return &ManifestHandler{store: s, notify: notify, logger: logger, now: time.Now}
}

// Handle parses the manifest named by the task's job payload and commits the expansion.
func (h *ManifestHandler) Handle(ctx context.Context, task *domain.Task) error {
	job, err := h.store.GetJob(ctx, task.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return domainerrors.Permanentf("manifest job %s not found", task.JobID)
	}
	if err != nil {
		return fmt.Errorf("load manifest job: %w", err)
	}
	payload, ok := job.Payload.(domain.ManifestIngestPayload)
	if !ok {
		return domainerrors.Validationf("job %s is not a manifest ingest job", job.ID)
	}

	m, err := manifest.ParseFile(payload.ManifestPath, payload.Delimiter)
	if err != nil {
		return err
	}

	now := h.now().UTC()
	scrapeJob := &domain.Job{
		ID:      id.MustGenerate(id.Job),
		BatchID: task.BatchID,
		Type:    domain.JobTypeScrape,
		Payload: domain.ScrapePayload{
			ManifestPath: payload.ManifestPath,
			RowCount:     len(m.Rows),
			SkippedRows:  m.Skipped,
		},
		Status:    domain.TaskStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tasks := make([]*domain.Task, 0, len(m.Rows))
	for i, row := range m.Rows {
		// Offset creation times so claim order follows manifest order.
		created := now.Add(time.Duration(i) * time.Microsecond)
		meta := map[string]string{
			domain.TaskMetaTitle: row.Title,
			domain.TaskMetaRow:   strconv.Itoa(row.Line),
		}
		if row.Classification != "" {
			meta[domain.TaskMetaRaga] = row.Classification
		}
		tasks = append(tasks, &domain.Task{
			ID:        id.MustGenerate(id.Task),
			JobID:     scrapeJob.ID,
			BatchID:   task.BatchID,
			JobType:   domain.JobTypeScrape,
			WorkKey:   row.URL,
			SourceURL: row.URL,
			Metadata:  meta,
			Status:    domain.TaskStatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		})
	}

	var duration time.Duration
	if task.StartedAt != nil {
		duration = now.Sub(*task.StartedAt)
	}

	err = h.store.ExpandManifest(ctx, store.ManifestExpansion{
		ManifestTask: task,
		ScrapeJob:    scrapeJob,
		Tasks:        tasks,
		Duration:     duration,
		Audit: &domain.AuditEntry{
			ID:          id.MustGenerate(id.AuditEntry),
			Action:      domain.AuditManifestExpanded,
			EntityTable: "batches",
			EntityID:    task.BatchID,
			Actor:       domain.SystemActor,
			Metadata: map[string]any{
				"manifest": payload.ManifestPath,
				"rows":     len(m.Rows),
				"skipped":  m.Skipped,
			},
			CreatedAt: now,
		},
		At: now,
	})
	if errors.Is(err, store.ErrConflict) {
		return domainerrors.Wrap(err, domainerrors.CodeConflict, "expand manifest")
	}
	if err != nil {
		return fmt.Errorf("expand manifest: %w", err)
	}

	h.logger.Info("manifest expanded",
		slog.String("batch_id", task.BatchID),
		slog.String("manifest", payload.ManifestPath),
		slog.Int("tasks", len(tasks)),
		slog.Int("skipped", m.Skipped),
	)
	h.notify()
	return nil
}
