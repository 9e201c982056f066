package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
)

func newTestReaper(env *testEnv, maxAttempts int, notified *atomic.Int32) *Reaper {
	r := NewReaper(env.store, ReaperOptions{
		Interval:         time.Hour,
		StaleTaskTimeout: 10 * time.Minute,
		RetryBackoff:     30 * time.Second,
		MaxAttempts:      maxAttempts,
	}, func() { notified.Add(1) }, nil, env.logger)
	return r
}

func TestReaper_RequeuesStaleTask(t *testing.T) {
	env := setupTestPool(t, Options{})
	ctx := context.Background()

	batch := env.expand(t, "title,url\nKrithi,"+env.server.URL+"/k\n")
	claimed, err := env.store.ClaimTask(ctx, domain.JobTypeScrape, "crashed-worker", time.Now().UTC())
	require.NoError(t, err)
	require.NotNil(t, claimed)

	var notified atomic.Int32
	r := newTestReaper(env, 3, &notified)

	// Not stale yet.
	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Requeued)

	base := time.Now().UTC().Add(time.Hour)
	r.now = func() time.Time { return base }
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)
	assert.Zero(t, report.Promoted, "backoff has not elapsed since the task was reaped")
	assert.Equal(t, domain.TaskStatusRetryable, env.scrapeTasks(t, batch.ID)[0].Status)
	assert.Equal(t, int32(0), notified.Load())

	r.now = func() time.Time { return base.Add(time.Minute) }
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)
	assert.Equal(t, int32(1), notified.Load())

	task := env.scrapeTasks(t, batch.ID)[0]
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 1, task.Attempt)

	// The requeued task runs normally and completes the batch.
	worked, err := env.pool.RunOnce(ctx, domain.JobTypeScrape)
	require.NoError(t, err)
	require.True(t, worked)
	assert.Equal(t, domain.BatchStatusSucceeded, env.batch(t, batch.ID).Status)
}

func TestReaper_FailsExhaustedTask(t *testing.T) {
	env := setupTestPool(t, Options{})
	ctx := context.Background()

	batch := env.expand(t, "title,url\nKrithi,"+env.server.URL+"/k\n")
	_, err := env.store.ClaimTask(ctx, domain.JobTypeScrape, "crashed-worker", time.Now().UTC())
	require.NoError(t, err)

	var notified atomic.Int32
	r := newTestReaper(env, 1, &notified)
	r.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	report, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{batch.ID}, report.CompletedBatches)

	got := env.batch(t, batch.ID)
	assert.Equal(t, domain.BatchStatusFailed, got.Status)
	assert.Equal(t, 1, got.ProcessedTasks)
	assert.Equal(t, 1, got.FailedTasks)

	// A second pass finds nothing and never recounts.
	report, err = r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Failed)
	assert.Equal(t, 1, env.batch(t, batch.ID).ProcessedTasks)
}

func TestReaper_StartStop(t *testing.T) {
	env := setupTestPool(t, Options{})

	var notified atomic.Int32
	r := newTestReaper(env, 3, &notified)
	r.opts.Interval = 10 * time.Millisecond

	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()

	unstarted := newTestReaper(env, 3, &notified)
	unstarted.Stop()
}
