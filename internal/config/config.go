// Package config loads server, worker and CLI configuration from flags, environment variables and .env files.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	App        AppConfig
	Logger     LoggerConfig
	Data       DataConfig
	Server     ServerConfig
	Workers    WorkerConfig
	Scrape     ScrapeConfig
	Extraction ExtractionConfig
	Inbox      InboxConfig
}

// AppConfig holds application-level configuration.
type AppConfig struct {
	Environment string
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level string
}

// DataConfig locates on-disk state: the SQLite database, the title index and the page cache.
type DataConfig struct {
	Path string
}

// DatabasePath returns the SQLite database file.
func (d DataConfig) DatabasePath() string { return filepath.Join(d.Path, "krithibase.db") }

// SearchPath returns the directory for the title index.
func (d DataConfig) SearchPath() string { return filepath.Join(d.Path, "search") }

// CachePath returns the directory for the page cache.
func (d DataConfig) CachePath() string { return filepath.Join(d.Path, "pagecache") }

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	CORSOrigins  []string
}

// WorkerConfig sizes the task worker pool and its reaper.
type WorkerConfig struct {
	ManifestWorkers  int
	ScrapeWorkers    int
	PollInterval     time.Duration
	MaxAttempts      int
	StaleTaskTimeout time.Duration // RUNNING longer than this is considered abandoned
	RetryBackoff     time.Duration // RETRYABLE tasks wait this long before requeue
	ReaperInterval   time.Duration
}

// ScrapeConfig controls outbound fetching.
type ScrapeConfig struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	UserAgent         string
	CacheTTL          time.Duration
}

// ExtractionConfig controls the extraction result processor loop.
type ExtractionConfig struct {
	BatchSize int
	Interval  time.Duration
}

// InboxConfig configures the optional manifest drop directory.
type InboxConfig struct {
	Path string // empty disables the watcher
}

// LoadConfig loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables.
// 3. .env file.
// 4. Default values (lowest priority).
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("krithibase", flag.ContinueOnError)

	env := fs.String("env", "", "Environment (development, staging, production)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	dataPath := fs.String("data-path", "", "Directory for database, index and cache")
	envFile := fs.String("env-file", ".env", "Path to .env file")

	serverPort := fs.String("port", "", "Server port (default: 8080)")
	readTimeout := fs.String("read-timeout", "", "HTTP read timeout (default: 15s)")
	writeTimeout := fs.String("write-timeout", "", "HTTP write timeout (default: 30s)")
	idleTimeout := fs.String("idle-timeout", "", "HTTP idle timeout (default: 60s)")

	manifestWorkers := fs.String("manifest-workers", "", "Manifest worker count (default: 1)")
	scrapeWorkers := fs.String("scrape-workers", "", "Scrape worker count (default: 4)")
	pollInterval := fs.String("poll-interval", "", "Idle worker poll interval (default: 2s)")
	maxAttempts := fs.String("max-attempts", "", "Maximum attempts per task (default: 3)")

	inboxPath := fs.String("manifest-inbox", "", "Directory watched for dropped manifests")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	// A missing .env file is fine; existing environment variables are never overridden.
	_ = godotenv.Load(*envFile)

	cfg := &Config{
		App: AppConfig{
			Environment: getConfigValue(*env, "ENV", "development"),
		},
		Logger: LoggerConfig{
			Level: getConfigValue(*logLevel, "LOG_LEVEL", "info"),
		},
		Data: DataConfig{
			Path: getConfigValue(*dataPath, "DATA_PATH", ""),
		},
		Server: ServerConfig{
			Port:        getConfigValue(*serverPort, "SERVER_PORT", "8080"),
			CORSOrigins: splitList(getConfigValue("", "CORS_ORIGINS", "*")),
		},
		Workers: WorkerConfig{
			ManifestWorkers: getIntConfigValue(*manifestWorkers, "MANIFEST_WORKERS", 1),
			ScrapeWorkers:   getIntConfigValue(*scrapeWorkers, "SCRAPE_WORKERS", 4),
			MaxAttempts:     getIntConfigValue(*maxAttempts, "MAX_ATTEMPTS", 3),
		},
		Scrape: ScrapeConfig{
			RequestsPerSecond: getFloatConfigValue("", "SCRAPE_RPS", 1),
			Burst:             getIntConfigValue("", "SCRAPE_BURST", 2),
			UserAgent:         getConfigValue("", "SCRAPE_USER_AGENT", "krithibase-ingest/1.0"),
		},
		Extraction: ExtractionConfig{
			BatchSize: getIntConfigValue("", "EXTRACTION_BATCH_SIZE", 25),
		},
		Inbox: InboxConfig{
			Path: getConfigValue(*inboxPath, "MANIFEST_INBOX", ""),
		},
	}

	durations := []struct {
		flagValue string
		envKey    string
		def       string
		dst       *time.Duration
	}{
		{*readTimeout, "SERVER_READ_TIMEOUT", "15s", &cfg.Server.ReadTimeout},
		{*writeTimeout, "SERVER_WRITE_TIMEOUT", "30s", &cfg.Server.WriteTimeout},
		{*idleTimeout, "SERVER_IDLE_TIMEOUT", "60s", &cfg.Server.IdleTimeout},
		{*pollInterval, "POLL_INTERVAL", "2s", &cfg.Workers.PollInterval},
		{"", "STALE_TASK_TIMEOUT", "10m", &cfg.Workers.StaleTaskTimeout},
		{"", "RETRY_BACKOFF", "30s", &cfg.Workers.RetryBackoff},
		{"", "REAPER_INTERVAL", "30s", &cfg.Workers.ReaperInterval},
		{"", "SCRAPE_TIMEOUT", "30s", &cfg.Scrape.Timeout},
		{"", "PAGE_CACHE_TTL", "24h", &cfg.Scrape.CacheTTL},
		{"", "EXTRACTION_INTERVAL", "15s", &cfg.Extraction.Interval},
	}
	for _, d := range durations {
		raw := getConfigValue(d.flagValue, d.envKey, d.def)
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", strings.ToLower(d.envKey), raw, err)
		}
		*d.dst = parsed
	}

	if err := cfg.expandDataPath(); err != nil {
		return nil, fmt.Errorf("invalid data path: %w", err)
	}
	if cfg.Inbox.Path != "" {
		expanded, err := expandPath(cfg.Inbox.Path, "")
		if err != nil {
			return nil, fmt.Errorf("invalid manifest inbox: %w", err)
		}
		cfg.Inbox.Path = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required config values are present and valid.
func (c *Config) Validate() error {
	validEnvs := map[string]bool{
		"development": true,
		"staging":     true,
		"production":  true,
	}
	if !validEnvs[c.App.Environment] {
		return fmt.Errorf("invalid environment: %q (must be development, staging, or production)", c.App.Environment)
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[strings.ToLower(c.Logger.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logger.Level)
	}

	if c.Data.Path == "" {
		return errors.New("data path cannot be empty after expansion")
	}

	if c.Workers.ManifestWorkers < 1 || c.Workers.ScrapeWorkers < 1 {
		return fmt.Errorf("worker counts must be positive (manifest=%d, scrape=%d)",
			c.Workers.ManifestWorkers, c.Workers.ScrapeWorkers)
	}
	if c.Workers.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", c.Workers.MaxAttempts)
	}
	if c.Workers.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Extraction.BatchSize < 1 {
		return fmt.Errorf("extraction batch size must be positive, got %d", c.Extraction.BatchSize)
	}

	return nil
}

// expandPath expands ~ and makes the path absolute.
// If path is empty, defaultPath is returned unchanged.
func expandPath(path, defaultPath string) (string, error) {
	if path == "" {
		return defaultPath, nil
	}

	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// expandDataPath defaults the data directory to ~/.krithibase.
func (c *Config) expandDataPath() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	expanded, err := expandPath(c.Data.Path, filepath.Join(homeDir, ".krithibase"))
	if err != nil {
		return err
	}
	c.Data.Path = expanded
	return nil
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envValue := os.Getenv(envKey); envValue != "" {
		return envValue
	}
	return defaultValue
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(strings.TrimSpace(strValue))
	if err != nil {
		return defaultValue
	}
	return v
}

// getFloatConfigValue returns a float from flag, env var, or default.
func getFloatConfigValue(flagValue, envKey string, defaultValue float64) float64 {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(strValue), 64)
	if err != nil {
		return defaultValue
	}
	return v
}

// splitList splits a comma-separated value, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
