package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		App:        AppConfig{Environment: "development"},
		Logger:     LoggerConfig{Level: "info"},
		Data:       DataConfig{Path: "/var/lib/krithibase"},
		Workers:    WorkerConfig{ManifestWorkers: 1, ScrapeWorkers: 2, MaxAttempts: 3, PollInterval: time.Second},
		Extraction: ExtractionConfig{BatchSize: 10},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_AllEnvironments(t *testing.T) {
	tests := []struct {
		env   string
		valid bool
	}{
		{"development", true},
		{"staging", true},
		{"production", true},
		{"test", false},
		{"", false},
		{"DEVELOPMENT", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := validConfig()
			cfg.App.Environment = tt.env

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestValidate_WorkerSettings(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero manifest workers", func(c *Config) { c.Workers.ManifestWorkers = 0 }},
		{"zero scrape workers", func(c *Config) { c.Workers.ScrapeWorkers = 0 }},
		{"zero attempts", func(c *Config) { c.Workers.MaxAttempts = 0 }},
		{"zero poll interval", func(c *Config) { c.Workers.PollInterval = 0 }},
		{"zero extraction batch", func(c *Config) { c.Extraction.BatchSize = 0 }},
		{"empty data path", func(c *Config) { c.Data.Path = "" }},
		{"bad log level", func(c *Config) { c.Logger.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetConfigValue_Precedence(t *testing.T) {
	t.Setenv("KRITHIBASE_TEST_VALUE", "from-env")

	assert.Equal(t, "from-flag", getConfigValue("from-flag", "KRITHIBASE_TEST_VALUE", "default"))
	assert.Equal(t, "from-env", getConfigValue("", "KRITHIBASE_TEST_VALUE", "default"))
	assert.Equal(t, "default", getConfigValue("", "KRITHIBASE_TEST_UNSET", "default"))
}

func TestGetIntConfigValue_FallsBackOnGarbage(t *testing.T) {
	t.Setenv("KRITHIBASE_TEST_INT", "lots")

	assert.Equal(t, 7, getIntConfigValue("", "KRITHIBASE_TEST_INT", 7))
	assert.Equal(t, 9, getIntConfigValue("9", "KRITHIBASE_TEST_INT", 7))
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := LoadConfig([]string{"-data-path", dir, "-env-file", filepath.Join(dir, "missing.env")})
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Data.Path)
	assert.Equal(t, 1, cfg.Workers.ManifestWorkers)
	assert.Equal(t, 4, cfg.Workers.ScrapeWorkers)
	assert.Equal(t, 3, cfg.Workers.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Workers.PollInterval)
	assert.Equal(t, 10*time.Minute, cfg.Workers.StaleTaskTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Scrape.CacheTTL)
	assert.Equal(t, 25, cfg.Extraction.BatchSize)
	assert.Equal(t, filepath.Join(dir, "krithibase.db"), cfg.Data.DatabasePath())
}

func TestLoadConfig_EnvFileDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCRAPE_WORKERS=9\nMAX_ATTEMPTS=5\n"), 0o600))

	t.Setenv("MAX_ATTEMPTS", "2")
	// Register restoration, then clear so the .env value can apply.
	t.Setenv("SCRAPE_WORKERS", "")
	os.Unsetenv("SCRAPE_WORKERS")

	cfg, err := LoadConfig([]string{"-data-path", dir, "-env-file", envFile})
	require.NoError(t, err)

	assert.Equal(t, 9, cfg.Workers.ScrapeWorkers)
	assert.Equal(t, 2, cfg.Workers.MaxAttempts)
}

func TestLoadConfig_FlagBeatsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("POLL_INTERVAL", "10s")

	cfg, err := LoadConfig([]string{"-data-path", dir, "-env-file", "", "-poll-interval", "250ms"})
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Workers.PollInterval)
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RETRY_BACKOFF", "soon")

	_, err := LoadConfig([]string{"-data-path", dir, "-env-file", ""})
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, splitList(" http://a, ,http://b "))
	assert.Nil(t, splitList(""))
}
