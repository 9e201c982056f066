package providers

import (
	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/importer"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/scrape"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/validation"
	"github.com/krithibase/krithibase-server/internal/variant"
	"github.com/krithibase/krithibase-server/internal/voting"
)

// ProvideMetrics provides the prometheus recorder shared by workers and the processor.
func ProvideMetrics(i do.Injector) (*metrics.PrometheusRecorder, error) {
	return metrics.NewPrometheusRecorder(), nil
}

// ProvideValidator provides the shared input validator.
func ProvideValidator(i do.Injector) (*validation.Validator, error) {
	return validation.New(), nil
}

// ProvideScraper provides the rate-limited, cached page scraper.
func ProvideScraper(i do.Injector) (*scrape.Scraper, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	cache := do.MustInvoke[*PageCacheHandle](i)

	fetcher := scrape.NewFetcher(scrape.Options{
		RequestsPerSecond: cfg.Scrape.RequestsPerSecond,
		Burst:             cfg.Scrape.Burst,
		Timeout:           cfg.Scrape.Timeout,
		UserAgent:         cfg.Scrape.UserAgent,
	}, cache.Cache, log.Component("scrape"))

	return scrape.New(fetcher), nil
}

// ProvideImporter provides the importer that turns scraped pages into submissions.
func ProvideImporter(i do.Injector) (*importer.Importer, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	log := do.MustInvoke[*logger.Logger](i)
	return importer.New(storeHandle.Store, log.Component("importer")), nil
}

// ProvideVotingService provides structural voting.
func ProvideVotingService(i do.Injector) (*voting.Service, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)
	return voting.NewService(storeHandle.Store, recorder, log.Component("voting")), nil
}

// ProvideVariantMatcher provides the ENRICH variant matcher.
func ProvideVariantMatcher(i do.Injector) (*variant.Matcher, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	indexHandle := do.MustInvoke[*SearchIndexHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)
	return variant.NewMatcher(storeHandle.Store, indexHandle.TitleIndex, recorder, log.Component("variant")), nil
}

// ProvideExtractionProcessor provides the extraction result processor.
func ProvideExtractionProcessor(i do.Injector) (*extraction.Processor, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	indexHandle := do.MustInvoke[*SearchIndexHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)

	return extraction.NewProcessor(storeHandle.Store, extraction.Options{
		Validator: do.MustInvoke[*validation.Validator](i),
		Matcher:   do.MustInvoke[*variant.Matcher](i),
		Voter:     do.MustInvoke[*voting.Service](i),
		Index:     indexHandle.TitleIndex,
		Metrics:   recorder,
		Logger:    log.Component("extraction"),
	}), nil
}

// ProvideBatchService provides batch submission and control. New batches wake the pool.
func ProvideBatchService(i do.Injector) (*service.BatchService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	pool := do.MustInvoke[*WorkerPoolHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewBatchService(
		storeHandle.Store,
		do.MustInvoke[*validation.Validator](i),
		pool.Notify,
		cfg.Workers.MaxAttempts,
		log.Component("batch"),
	), nil
}

// ProvideExtractionService provides the extraction queue service. Posted results wake the runner.
func ProvideExtractionService(i do.Injector) (*service.ExtractionService, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	runner := do.MustInvoke[*ExtractionRunnerHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	return service.NewExtractionService(
		storeHandle.Store,
		do.MustInvoke[*extraction.Processor](i),
		do.MustInvoke[*validation.Validator](i),
		runner.Notify,
		log.Component("extraction"),
	), nil
}

// ProvideCatalogService provides catalog queries and re-votes.
func ProvideCatalogService(i do.Injector) (*service.CatalogService, error) {
	storeHandle := do.MustInvoke[*StoreHandle](i)
	log := do.MustInvoke[*logger.Logger](i)
	return service.NewCatalogService(storeHandle.Store, do.MustInvoke[*voting.Service](i), log.Component("catalog")), nil
}
