// Package di provides dependency injection configuration for the krithibase server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/di/providers"
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

// NewContainer creates and configures the DI container with all providers.
func NewContainer() *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideMetrics)
	do.Provide(injector, providers.ProvideValidator)

	// Storage layer
	do.Provide(injector, providers.ProvideStore)
	do.Provide(injector, providers.ProvidePageCache)
	do.Provide(injector, providers.ProvideSearchIndex)

	// Pipeline
	do.Provide(injector, providers.ProvideScraper)
	do.Provide(injector, providers.ProvideImporter)
	do.Provide(injector, providers.ProvideVotingService)
	do.Provide(injector, providers.ProvideVariantMatcher)
	do.Provide(injector, providers.ProvideExtractionProcessor)

	// Workers
	do.Provide(injector, providers.ProvideWorkerPool)
	do.Provide(injector, providers.ProvideReaper)
	do.Provide(injector, providers.ProvideExtractionRunner)

	// Business services
	do.Provide(injector, providers.ProvideBatchService)
	do.Provide(injector, providers.ProvideExtractionService)
	do.Provide(injector, providers.ProvideCatalogService)
	do.Provide(injector, providers.ProvideInbox)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services and returns handles for lifecycle management.
// This triggers lazy initialization of all core services.
func Bootstrap(injector *do.RootScope) error {
	_ = do.MustInvoke[*config.Config](injector)
	_ = do.MustInvoke[*logger.Logger](injector)
	_ = do.MustInvoke[*metrics.PrometheusRecorder](injector)
	_ = do.MustInvoke[*validation.Validator](injector)
	_ = do.MustInvoke[*providers.StoreHandle](injector)
	_ = do.MustInvoke[*providers.PageCacheHandle](injector)
	_ = do.MustInvoke[*providers.SearchIndexHandle](injector)

	_ = do.MustInvoke[*scrape.Scraper](injector)
	_ = do.MustInvoke[*importer.Importer](injector)
	_ = do.MustInvoke[*voting.Service](injector)
	_ = do.MustInvoke[*variant.Matcher](injector)
	_ = do.MustInvoke[*extraction.Processor](injector)

	// Workers
	_ = do.MustInvoke[*providers.WorkerPoolHandle](injector)
	_ = do.MustInvoke[*providers.ReaperHandle](injector)
	_ = do.MustInvoke[*providers.ExtractionRunnerHandle](injector)

	// Business services
	_ = do.MustInvoke[*service.BatchService](injector)
	_ = do.MustInvoke[*service.ExtractionService](injector)
	_ = do.MustInvoke[*service.CatalogService](injector)
	_ = do.MustInvoke[*providers.InboxHandle](injector)

	// Server
	_ = do.MustInvoke[*providers.HTTPServerHandle](injector)

	providers.TriggerSearchReindexIfNeeded(injector)

	return nil
}
