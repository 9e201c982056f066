// Package scrape fetches source pages and turns them into title, markdown and checksum.
package scrape

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/ratelimit"
	"github.com/krithibase/krithibase-server/internal/store/pagecache"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "krithibase-ingest/1.0"

	// maxBodyBytes caps what is read from a single page.
	maxBodyBytes = 8 << 20
)

// Options configures a Fetcher.
type Options struct {
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
	UserAgent         string
}

// Fetcher performs rate-limited, cached GET requests.
type Fetcher struct {
	http      *http.Client
	limiter   *ratelimit.KeyedRateLimiter
	cache     *pagecache.Cache
	userAgent string
	logger    *slog.Logger
	now       func() time.Time
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(opts Options, cache *pagecache.Cache, logger *slog.Logger) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 1
	}
	return &Fetcher{
		http:      &http.Client{Timeout: opts.Timeout},
		limiter:   ratelimit.New(opts.RequestsPerSecond, opts.Burst),
		cache:     cache,
		userAgent: opts.UserAgent,
		logger:    logger,
		now:       time.Now,
	}
}

// Fetch returns the page at rawURL. Failures are classified as transient, permanent
// or blocked domain errors so the caller can map them onto task statuses.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*pagecache.Page, bool, error) {
	if f.cache != nil {
		page, err := f.cache.Get(rawURL)
		if err == nil {
			return page, true, nil
		}
		if !errors.Is(err, pagecache.ErrMiss) {
			f.logger.Warn("page cache read failed", slog.String("url", rawURL), slog.Any("error", err))
		}
	}

	if err := f.limiter.WaitURL(ctx, rawURL); err != nil {
		if ctx.Err() != nil {
			return nil, false, domainerrors.Wrap(err, domainerrors.CodeTransient, "rate limit wait")
		}
		return nil, false, domainerrors.Wrap(err, domainerrors.CodePermanent, "invalid source url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, false, domainerrors.Wrap(err, domainerrors.CodePermanent, "create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	f.logger.Debug("fetching source page", slog.String("url", rawURL))

	resp, err := f.http.Do(req)
	if err != nil {
		return nil, false, domainerrors.Wrap(err, domainerrors.CodeTransient, "execute request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, false, domainerrors.Wrap(err, domainerrors.CodeTransient, "read response")
	}

	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, false, err.WithDetails(map[string]any{"status": resp.StatusCode, "url": rawURL})
	}

	page := &pagecache.Page{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		FetchedAt:   f.now().UTC(),
	}
	if f.cache != nil {
		if err := f.cache.Put(page); err != nil {
			f.logger.Warn("page cache write failed", slog.String("url", rawURL), slog.Any("error", err))
		}
	}
	return page, false, nil
}

// classifyStatus maps an HTTP status onto the pipeline error classes. 2xx returns nil.
func classifyStatus(code int) *domainerrors.Error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusUnavailableForLegalReasons:
		return domainerrors.Blockedf("source refused access (%d)", code)
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return domainerrors.Transientf("source returned %d", code)
	default:
		return domainerrors.Permanentf("source returned %d %s", code, http.StatusText(code))
	}
}
