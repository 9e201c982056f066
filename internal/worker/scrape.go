package worker

import (
	"context"
	"log/slog"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/importer"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/scrape"
)

// Scraper fetches and extracts a source page.
type Scraper interface {
	Scrape(ctx context.Context, rawURL string) (*scrape.Page, error)
}

// Submitter records a scraped page as an import submission.
type Submitter interface {
	Submit(ctx context.Context, page *scrape.Page, hints importer.ManifestHints) (*domain.ImportSubmission, error)
}

// ScrapeHandler fetches a SCRAPE task's page and hands it to the import path.
type ScrapeHandler struct {
	scraper   Scraper
	submitter Submitter
	metrics   metrics.Recorder
	logger    *slog.Logger
}

// NewScrapeHandler creates a ScrapeHandler.
func NewScrapeHandler(scraper Scraper, submitter Submitter, recorder metrics.Recorder, logger *slog.Logger) *ScrapeHandler {
	return &ScrapeHandler{
		scraper:   scraper,
		submitter: submitter,
		metrics:   metrics.OrNop(recorder),
		logger:    logger,
	}
}

// Handle fetches the task's source page and records it as an import submission.
func (h *ScrapeHandler) Handle(ctx context.Context, task *domain.Task) error {
	if task.SourceURL == "" {
		return domainerrors.Permanentf("task %s has no source url", task.ID)
	}

	page, err := h.scraper.Scrape(ctx, task.SourceURL)
	if err != nil {
		return err
	}
	h.metrics.PageFetched(page.FromCache)

	sub, err := h.submitter.Submit(ctx, page, importer.ManifestHints{
		BatchID:  task.BatchID,
		TaskID:   task.ID,
		Title:    task.Metadata[domain.TaskMetaTitle],
		Raga:     task.Metadata[domain.TaskMetaRaga],
		Composer: task.Metadata[domain.TaskMetaComposer],
	})
	if err != nil {
		return err
	}

	h.logger.Debug("page imported",
		slog.String("task_id", task.ID),
		slog.String("submission_id", sub.ID),
		slog.String("status", string(sub.Status)),
		slog.Bool("cached", page.FromCache),
	)
	return nil
}
