// Package providers contains dependency injection providers for the krithibase server.
package providers

import (
	"log/slog"
	"os"

	"github.com/samber/do/v2"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/logger"
)

// ProvideConfig provides the application configuration, parsed from the process flags.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	return config.LoadConfig(os.Args[1:])
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.Logger.Level),
		AddSource:   cfg.App.Environment == "development",
		Environment: cfg.App.Environment,
	})

	log.Info("Starting krithibase server",
		slog.String("environment", cfg.App.Environment),
		slog.String("log_level", cfg.Logger.Level),
		slog.String("data_path", cfg.Data.Path),
		slog.String("manifest_inbox", cfg.Inbox.Path),
	)

	return log, nil
}
