package pagecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, ttl time.Duration) *Cache {
	t.Helper()
	c, err := Open("", ttl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t, time.Hour)

	_, err := c.Get("https://example.org/endaro")
	assert.ErrorIs(t, err, ErrMiss)

	page := &Page{
		URL:         "https://example.org/endaro",
		StatusCode:  200,
		ContentType: "text/html",
		Body:        []byte("<h1>Endaro Mahanubhavulu</h1>"),
		FetchedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, c.Put(page))

	got, err := c.Get(page.URL)
	require.NoError(t, err)
	assert.Equal(t, page.Body, got.Body)
	assert.Equal(t, 200, got.StatusCode)
	assert.True(t, page.FetchedAt.Equal(got.FetchedAt))

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Invalidate(page.URL))
	_, err = c.Get(page.URL)
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Invalidate(page.URL))
}

func TestCache_ZeroTTLDisables(t *testing.T) {
	c := newTestCache(t, 0)

	require.NoError(t, c.Put(&Page{URL: "https://example.org/x", Body: []byte("x")}))
	_, err := c.Get("https://example.org/x")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestCache_OnDisk(t *testing.T) {
	dir := t.TempDir()

	c, err := Open(dir, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, c.Put(&Page{URL: "https://example.org/y", Body: []byte("y")}))
	require.NoError(t, c.Close())

	c, err = Open(dir, time.Hour, nil)
	require.NoError(t, err)
	defer c.Close()

	got, err := c.Get("https://example.org/y")
	require.NoError(t, err)
	assert.Equal(t, []byte("y"), got.Body)
}
