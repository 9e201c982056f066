package main

import (
	"os"
	"sync"

	"github.com/krithibase/krithibase-server/internal/config"
	"github.com/krithibase/krithibase-server/internal/logger"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
)

type globalFlags struct {
	dataPath string
	envFile  string
	logLevel string
}

// args renders the flags the way config.LoadConfig expects them.
func (f *globalFlags) args() []string {
	var args []string
	if f.dataPath != "" {
		args = append(args, "-data-path", f.dataPath)
	}
	if f.envFile != "" {
		args = append(args, "-env-file", f.envFile)
	}
	if f.logLevel != "" {
		args = append(args, "-log-level", f.logLevel)
	}
	return args
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.LoadConfig(c.flags.args())
	})
	return c.config, c.configErr
}

// withStore opens the configured store and logger for the duration of fn. Logs go to
// stderr so stdout stays machine readable.
func (c *commandContext) withStore(fn func(st *sqlite.Store, log *logger.Logger) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}

	log := logger.New(logger.Config{
		Writer:      os.Stderr,
		Level:       logger.ParseLevel(cfg.Logger.Level),
		Environment: cfg.App.Environment,
	})

	st, err := sqlite.Open(cfg.Data.DatabasePath(), log.Component("store"))
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(st, log)
}
