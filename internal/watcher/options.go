package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// Options configures which files the watcher reports and how long they must be quiet.
type Options struct {
	// Extensions lists the accepted file extensions, compared case-insensitively.
	Extensions     []string
	IgnorePatterns []string
	SettleDelay    time.Duration
	IgnoreHidden   bool
}

func (o *Options) setDefaults() {
	if o.SettleDelay == 0 {
		o.SettleDelay = 500 * time.Millisecond
	}
	if len(o.Extensions) == 0 {
		o.Extensions = []string{".csv"}
	}

	// Explicit patterns, even an empty slice, leave IgnoreHidden to the caller.
	if o.IgnorePatterns == nil {
		o.IgnorePatterns = []string{
			"*.tmp",
			"*.part",
			"~$*",
		}
		o.IgnoreHidden = true
	}
}

// accepts reports whether path is a manifest the watcher should report.
func (o *Options) accepts(path string) bool {
	if o.shouldIgnore(path) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range o.Extensions {
		if ext == strings.ToLower(want) {
			return true
		}
	}
	return false
}

func (o *Options) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if o.IgnoreHidden && strings.HasPrefix(base, ".") {
		return true
	}
	for _, pattern := range o.IgnorePatterns {
		matched, err := filepath.Match(pattern, base)
		if err == nil && matched {
			return true
		}
	}
	return false
}
