package providers

import (
	"context"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/importer"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/scrape"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/watcher"
	"github.com/krithibase/krithibase-server/internal/worker"
)

// WorkerPoolHandle wraps the task worker pool with shutdown capability.
type WorkerPoolHandle struct {
	*worker.Pool
}

// Shutdown implements do.Shutdownable.
func (h *WorkerPoolHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideWorkerPool provides the manifest and scrape workers, already started.
func ProvideWorkerPool(i do.Injector) (*WorkerPoolHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)
	scraper := do.MustInvoke[*scrape.Scraper](i)
	imp := do.MustInvoke[*importer.Importer](i)

	workerLog := log.Component("worker")
	pool := worker.New(storeHandle.Store, worker.Options{
		ManifestWorkers: cfg.Workers.ManifestWorkers,
		ScrapeWorkers:   cfg.Workers.ScrapeWorkers,
		PollInterval:    cfg.Workers.PollInterval,
		MaxAttempts:     cfg.Workers.MaxAttempts,
	}, recorder, workerLog)

	// Expansion commits new SCRAPE tasks, so it wakes the pool that ran it.
	pool.Register(domain.JobTypeManifestIngest, worker.NewManifestHandler(storeHandle.Store, pool.Notify, workerLog))
	pool.Register(domain.JobTypeScrape, worker.NewScrapeHandler(scraper, imp, recorder, workerLog))

	pool.Start()

	return &WorkerPoolHandle{Pool: pool}, nil
}

// ReaperHandle wraps the stale task reaper with shutdown capability.
type ReaperHandle struct {
	*worker.Reaper
}

// Shutdown implements do.Shutdownable.
func (h *ReaperHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideReaper provides the reaper that recovers abandoned and RETRYABLE tasks.
func ProvideReaper(i do.Injector) (*ReaperHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	pool := do.MustInvoke[*WorkerPoolHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)

	reaper := worker.NewReaper(storeHandle.Store, worker.ReaperOptions{
		Interval:         cfg.Workers.ReaperInterval,
		StaleTaskTimeout: cfg.Workers.StaleTaskTimeout,
		RetryBackoff:     cfg.Workers.RetryBackoff,
		MaxAttempts:      cfg.Workers.MaxAttempts,
	}, pool.Notify, recorder, log.Component("reaper"))

	reaper.Start()

	log.Info("Task reaper started",
		slog.Duration("interval", cfg.Workers.ReaperInterval),
		slog.Duration("stale_after", cfg.Workers.StaleTaskTimeout),
	)

	return &ReaperHandle{Reaper: reaper}, nil
}

// ExtractionRunnerHandle wraps the extraction processor loop with shutdown capability.
type ExtractionRunnerHandle struct {
	*extraction.Runner
}

// Shutdown implements do.Shutdownable.
func (h *ExtractionRunnerHandle) Shutdown() error {
	h.Stop()
	return nil
}

// ProvideExtractionRunner provides the loop that ingests DONE extraction items.
func ProvideExtractionRunner(i do.Injector) (*ExtractionRunnerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	processor := do.MustInvoke[*extraction.Processor](i)
	log := do.MustInvoke[*logger.Logger](i)

	runner := extraction.NewRunner(processor, cfg.Extraction.Interval, cfg.Extraction.BatchSize, log.Component("extraction"))
	runner.Start()

	log.Info("Extraction runner started",
		slog.Duration("interval", cfg.Extraction.Interval),
		slog.Int("batch_size", cfg.Extraction.BatchSize),
	)

	return &ExtractionRunnerHandle{Runner: runner}, nil
}

// InboxHandle wraps the manifest inbox watcher. Inbox is nil when no inbox is configured.
type InboxHandle struct {
	*watcher.Inbox
}

// Shutdown implements do.Shutdownable.
func (h *InboxHandle) Shutdown() error {
	if h.Inbox != nil {
		h.Stop()
	}
	return nil
}

// ProvideInbox provides the watcher that submits manifests dropped into the inbox directory.
func ProvideInbox(i do.Injector) (*InboxHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	if cfg.Inbox.Path == "" {
		log.Info("Manifest inbox disabled")
		return &InboxHandle{}, nil
	}

	batches := do.MustInvoke[*service.BatchService](i)
	submit := func(ctx context.Context, path string) error {
		_, err := batches.Submit(ctx, service.SubmitBatchInput{ManifestPath: path})
		return err
	}

	inbox, err := watcher.NewInbox(cfg.Inbox.Path, submit, watcher.Options{}, log.Component("inbox"))
	if err != nil {
		return nil, err
	}
	inbox.Start()

	log.Info("Manifest inbox watching", slog.String("path", cfg.Inbox.Path))

	return &InboxHandle{Inbox: inbox}, nil
}
