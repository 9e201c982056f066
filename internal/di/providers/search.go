package providers

import (
	"context"
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/search"
)

// SearchIndexHandle wraps the title index with shutdown capability.
type SearchIndexHandle struct {
	*search.TitleIndex
}

// Shutdown implements do.Shutdownable.
func (h *SearchIndexHandle) Shutdown() error {
	return h.Close()
}

// ProvideSearchIndex provides the bleve title index.
func ProvideSearchIndex(i do.Injector) (*SearchIndexHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	index, err := search.NewTitleIndex(search.Options{
		DataPath: cfg.Data.SearchPath(),
		Logger:   log.Component("search"),
	})
	if err != nil {
		return nil, err
	}

	docCount, _ := index.DocumentCount()
	log.Info("Title index initialized", slog.Uint64("documents", docCount))

	return &SearchIndexHandle{TitleIndex: index}, nil
}

// TriggerSearchReindexIfNeeded rebuilds the title index in the background when it holds a
// different number of documents than the catalog has krithis. Krithis created by the CLI
// are not indexed, so the count drifts until the next server start.
// Should be called after all services are wired.
func TriggerSearchReindexIfNeeded(i do.Injector) {
	indexHandle := do.MustInvoke[*SearchIndexHandle](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	log := do.MustInvoke[*logger.Logger](i)

	docCount, err := indexHandle.DocumentCount()
	if err != nil {
		log.Warn("Failed to count title index documents", slog.Any("error", err))
		return
	}
	krithis, err := storeHandle.CountKrithis(context.Background())
	if err != nil {
		log.Warn("Failed to count krithis", slog.Any("error", err))
		return
	}
	if docCount == uint64(krithis) {
		return
	}

	log.Info("Title index is out of date, triggering reindex",
		slog.Uint64("documents", docCount),
		slog.Int("krithis", krithis),
	)

	go func() {
		count, err := indexHandle.Reindex(context.Background(), storeHandle.Store)
		if err != nil {
			log.Error("Title reindex failed", slog.Any("error", err), slog.Int("indexed", count))
			return
		}
		log.Info("Title reindex completed", slog.Int("documents", count))
	}()
}
