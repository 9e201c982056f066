package providers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/api"
	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/variant"
)

// HTTPServerHandle wraps http.Server with Shutdownable.
type HTTPServerHandle struct {
	*http.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP server, already listening.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	storeHandle := do.MustInvoke[*StoreHandle](i)
	indexHandle := do.MustInvoke[*SearchIndexHandle](i)
	recorder := do.MustInvoke[*metrics.PrometheusRecorder](i)
	log := do.MustInvoke[*logger.Logger](i)

	services := &api.Services{
		Batch:      do.MustInvoke[*service.BatchService](i),
		Extraction: do.MustInvoke[*service.ExtractionService](i),
		Catalog:    do.MustInvoke[*service.CatalogService](i),
		Variants:   do.MustInvoke[*variant.Matcher](i),
	}

	handler := api.NewServer(services, storeHandle.Store, indexHandle.TitleIndex, api.Options{
		CORSOrigins: cfg.Server.CORSOrigins,
		Metrics:     recorder.Handler(),
	}, log.Component("http"))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", slog.Any("error", err))
		}
	}()

	return &HTTPServerHandle{Server: srv}, nil
}
