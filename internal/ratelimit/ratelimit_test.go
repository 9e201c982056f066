package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedRateLimiter_Allow(t *testing.T) {
	tests := []struct {
		name     string
		burst    int
		calls    int
		wantPass int
	}{
		{
			name:     "burst allows initial requests",
			burst:    3,
			calls:    3,
			wantPass: 3,
		},
		{
			name:     "exceeding burst blocks",
			burst:    2,
			calls:    5,
			wantPass: 2,
		},
		{
			name:     "zero burst behaves as one",
			burst:    0,
			calls:    2,
			wantPass: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rl := New(1, tt.burst)

			passed := 0
			for range tt.calls {
				if rl.Allow("karnatik.com") {
					passed++
				}
			}
			assert.Equal(t, tt.wantPass, passed)
		})
	}
}

func TestKeyedRateLimiter_IndependentHosts(t *testing.T) {
	rl := New(1, 1)

	require.True(t, rl.Allow("karnatik.com"))
	assert.False(t, rl.Allow("karnatik.com"))
	assert.True(t, rl.Allow("shivkumar.org"))
	assert.Equal(t, 2, rl.Len())
}

func TestKeyedRateLimiter_WaitURL(t *testing.T) {
	rl := New(10, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	start := time.Now()
	require.NoError(t, rl.WaitURL(ctx, "https://Example.org:8443/a"))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// Same host, different path and port: shares the bucket.
	start = time.Now()
	require.NoError(t, rl.WaitURL(ctx, "http://example.org/b"))
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	assert.Error(t, rl.WaitURL(ctx, "/relative/only"))
}

func TestKeyedRateLimiter_WaitContextCancelled(t *testing.T) {
	rl := New(0.1, 1)
	rl.Allow("slow.example")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Error(t, rl.Wait(ctx, "slow.example"))
}

func TestKeyedRateLimiter_Sweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := New(1, 1)
	rl.now = func() time.Time { return now }

	rl.Allow("old.example")
	now = now.Add(idleTTL + time.Second)
	rl.Allow("fresh.example")

	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 1, rl.Len())
	assert.True(t, rl.Allow("old.example"))
}

func TestHostKey(t *testing.T) {
	host, err := HostKey("https://WWW.Karnatik.com/c1234.shtml")
	require.NoError(t, err)
	assert.Equal(t, "www.karnatik.com", host)

	_, err = HostKey("not a url\x7f")
	assert.Error(t, err)
}
