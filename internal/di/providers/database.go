package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/store/pagecache"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
)

// StoreHandle wraps the store with shutdown capability.
type StoreHandle struct {
	*sqlite.Store
}

// Shutdown implements do.Shutdownable.
func (h *StoreHandle) Shutdown() error {
	return h.Close()
}

// ProvideStore provides the SQLite store.
func ProvideStore(i do.Injector) (*StoreHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	dbPath := cfg.Data.DatabasePath()
	db, err := sqlite.Open(dbPath, log.Component("store"))
	if err != nil {
		return nil, err
	}

	log.Info("Database initialized", slog.String("path", dbPath))

	return &StoreHandle{Store: db}, nil
}

// PageCacheHandle wraps the page cache with shutdown capability.
type PageCacheHandle struct {
	*pagecache.Cache
}

// Shutdown implements do.Shutdownable.
func (h *PageCacheHandle) Shutdown() error {
	return h.Close()
}

// ProvidePageCache provides the badger-backed cache of fetched pages.
func ProvidePageCache(i do.Injector) (*PageCacheHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)

	cache, err := pagecache.Open(cfg.Data.CachePath(), cfg.Scrape.CacheTTL, log.Component("pagecache"))
	if err != nil {
		return nil, err
	}

	log.Info("Page cache initialized", slog.String("path", cfg.Data.CachePath()), slog.Duration("ttl", cfg.Scrape.CacheTTL))

	return &PageCacheHandle{Cache: cache}, nil
}
