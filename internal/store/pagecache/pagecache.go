// Package pagecache keeps recently fetched source pages in Badger so retried scrape
// tasks and re-submitted manifests do not hit the same host again within the TTL.
package pagecache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "page:"

// ErrMiss is returned by Get when the URL is not cached or has expired.
var ErrMiss = errors.New("page not cached")

// Page is a cached HTTP response body.
type Page struct {
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// Cache is a TTL cache of fetched pages.
type Cache struct {
	db     *badger.DB
	ttl    time.Duration
	logger *slog.Logger
}

// Open opens (or creates) the cache at path. An empty path keeps the cache in memory.
func Open(path string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path)
		opts.CompactL0OnClose = true
	}
	opts.Logger = nil // Disable Badger's internal logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open page cache: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	logger.Info("Page cache opened", slog.String("path", path), slog.Duration("ttl", ttl))
	return &Cache{db: db, ttl: ttl, logger: logger}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached page for url or ErrMiss.
func (c *Cache) Get(url string) (*Page, error) {
	var page Page
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + url))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &page)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached page: %w", err)
	}
	return &page, nil
}

// Put stores page under its URL for the cache TTL. A zero TTL disables caching.
func (c *Cache) Put(page *Page) error {
	if c.ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to marshal page: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(keyPrefix+page.URL), data).WithTTL(c.ttl))
	})
}

// Invalidate drops url from the cache.
func (c *Cache) Invalidate(url string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + url))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Len counts live entries. Intended for health output and tests.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
