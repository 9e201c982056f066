package sqlite

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/store"
)

func TestSubmitBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, task := submitTestBatch(t, s)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, got.Status)
	assert.Equal(t, 0, got.TotalTasks)
	assert.Nil(t, got.StartedAt)

	gotTask, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, gotTask.Status)
	assert.Equal(t, 0, gotTask.Attempt)

	job, err := s.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	payload, ok := job.Payload.(domain.ManifestIngestPayload)
	require.True(t, ok)
	assert.Equal(t, b.SourceManifest, payload.ManifestPath)

	_, err = s.GetBatch(ctx, "bat-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimTask_NoWork(t *testing.T) {
	s := newTestStore(t)

	task, err := s.ClaimTask(context.Background(), domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestClaimTask_UnknownJobType(t *testing.T) {
	s := newTestStore(t)

	_, err := s.ClaimTask(context.Background(), domain.JobType("TRANSCODE"), "owner", testEpoch)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestClaimTask_RespectsBatchStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, manifest := submitTestBatch(t, s)

	// Scrape role only claims from RUNNING batches; a PENDING batch has no scrape tasks anyway.
	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	assert.Nil(t, task)

	tasks := expandTestBatch(t, s, manifest, 2)
	require.NoError(t, s.PauseBatch(ctx, manifest.BatchID, nil, testEpoch))

	task, err = s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	assert.Nil(t, task, "paused batch must not hand out work")

	status, err := s.ResumeBatch(ctx, manifest.BatchID, nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusRunning, status)

	task, err = s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, tasks[0].ID, task.ID, "oldest task first")
	assert.Equal(t, domain.TaskStatusRunning, task.Status)
	assert.Equal(t, 1, task.Attempt)
	assert.Equal(t, "owner", task.ClaimedBy)
	require.NotNil(t, task.StartedAt)

	job, err := s.GetJob(ctx, task.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, job.Status)
}

func TestClaimTask_ConcurrentClaimsAreExclusive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, manifest := submitTestBatch(t, s)
	tasks := expandTestBatch(t, s, manifest, 12)

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := range 4 {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			for {
				task, err := s.ClaimTask(ctx, domain.JobTypeScrape, owner, testEpoch)
				if !assert.NoError(t, err) || task == nil {
					return
				}
				mu.Lock()
				claimed[task.ID]++
				mu.Unlock()
			}
		}(fmt.Sprintf("worker-%d", w))
	}
	wg.Wait()

	require.Len(t, claimed, len(tasks))
	for taskID, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed %d times", taskID, n)
	}
}

func TestExpandManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	tasks := expandTestBatch(t, s, manifest, 3)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusRunning, got.Status)
	assert.Equal(t, 3, got.TotalTasks)
	assert.NotNil(t, got.StartedAt)

	gotManifest, err := s.GetTask(ctx, manifest.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSucceeded, gotManifest.Status)

	jobs, err := s.ListJobs(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	listed, err := s.ListTasks(ctx, store.TaskFilter{BatchID: b.ID, Status: domain.TaskStatusPending})
	require.NoError(t, err)
	require.Len(t, listed, len(tasks))
	assert.Equal(t, "2", listed[0].Metadata[domain.TaskMetaRow])

	// A second expansion of the same manifest task is rejected.
	err = s.ExpandManifest(ctx, store.ManifestExpansion{
		ManifestTask: gotManifest,
		ScrapeJob: &domain.Job{
			ID:        id.MustGenerate(id.Job),
			BatchID:   b.ID,
			Type:      domain.JobTypeScrape,
			Payload:   domain.ScrapePayload{ManifestPath: "x", RowCount: 1},
			Status:    domain.TaskStatusPending,
			CreatedAt: testEpoch,
			UpdatedAt: testEpoch,
		},
		At: testEpoch,
	})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestCompleteTask_CountersAndSingleCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 3)

	outcomes := []domain.TaskStatus{domain.TaskStatusSucceeded, domain.TaskStatusBlocked, domain.TaskStatusSucceeded}
	completions := 0
	for i, status := range outcomes {
		task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
		require.NoError(t, err)
		require.NotNil(t, task)

		res, err := s.CompleteTask(ctx, store.TaskOutcome{
			TaskID: task.ID, Status: status, Duration: time.Second, At: testEpoch.Add(time.Duration(i) * time.Second),
		}, nil)
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.True(t, res.Counted)
		if res.BatchCompleted {
			completions++
			assert.Equal(t, domain.BatchStatusFailed, res.BatchStatus)
		}

		// Reporting again is a no-op.
		again, err := s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: status, At: testEpoch}, nil)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.False(t, again.BatchCompleted)

		got, err := s.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, got.ProcessedTasks, got.TotalTasks)
		assert.Equal(t, i+1, got.ProcessedTasks)
	}
	assert.Equal(t, 1, completions)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusFailed, got.Status)
	assert.Equal(t, 2, got.SucceededTasks)
	assert.Equal(t, 1, got.BlockedTasks)
	assert.NotNil(t, got.CompletedAt)

	_, done, err := s.CompleteBatchIfDone(ctx, b.ID, testEpoch)
	require.NoError(t, err)
	assert.False(t, done)

	audit, err := s.ListAudit(ctx, "batches", b.ID)
	require.NoError(t, err)
	var completed int
	for _, e := range audit {
		if e.Action == domain.AuditBatchCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)

	jobs, err := s.ListJobs(ctx, b.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.Type == domain.JobTypeScrape {
			assert.Equal(t, domain.TaskStatusFailed, j.Status)
		}
	}
}

func TestCompleteTask_AllSucceeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	res, err := s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusSucceeded, At: testEpoch}, nil)
	require.NoError(t, err)
	assert.True(t, res.BatchCompleted)
	assert.Equal(t, domain.BatchStatusSucceeded, res.BatchStatus)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusSucceeded, got.Status)
}

func TestCompleteTask_RetryableIsNotCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	res, err := s.CompleteTask(ctx, store.TaskOutcome{
		TaskID: task.ID,
		Status: domain.TaskStatusRetryable,
		Error:  &domain.TaskError{Message: "HTTP 503", Context: map[string]any{"status": 503}},
		At:     testEpoch,
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Counted)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRetryable, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "HTTP 503", got.Error.Message)
	assert.Nil(t, got.CompletedAt)

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, batch.ProcessedTasks)
}

func TestCompleteTask_Validation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CompleteTask(ctx, store.TaskOutcome{TaskID: "tsk-x", Status: domain.TaskStatusRunning}, nil)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = s.CompleteTask(ctx, store.TaskOutcome{TaskID: "tsk-missing", Status: domain.TaskStatusFailed}, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCompleteTask_ManifestFailureLeavesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	claimed, err := s.ClaimTask(ctx, domain.JobTypeManifestIngest, "owner", testEpoch)
	require.NoError(t, err)
	require.Equal(t, manifest.ID, claimed.ID)

	res, err := s.CompleteTask(ctx, store.TaskOutcome{
		TaskID: manifest.ID,
		Status: domain.TaskStatusFailed,
		Error:  &domain.TaskError{Message: "manifest has no valid rows"},
		At:     testEpoch,
	}, nil)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.False(t, res.Counted)

	job, err := s.GetJob(ctx, manifest.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, job.Status)
	assert.Equal(t, "manifest has no valid rows", job.Error)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, got.Status)
	assert.Equal(t, 0, got.TotalTasks)
}

func TestAttemptNeverDecreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	last := 0
	at := testEpoch
	for range 3 {
		task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", at)
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Greater(t, task.Attempt, last)
		last = task.Attempt

		_, err = s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusRetryable, At: at}, nil)
		require.NoError(t, err)

		at = at.Add(time.Minute)
		n, err := s.PromoteRetryable(ctx, at, at)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	tasks, err := s.ListTasks(ctx, store.TaskFilter{BatchID: b.ID, Status: domain.TaskStatusPending})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 3, tasks[0].Attempt)
}

func TestPromoteRetryable_Backoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusRetryable, At: testEpoch}, nil)
	require.NoError(t, err)

	n, err := s.PromoteRetryable(ctx, testEpoch.Add(-time.Second), testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "backoff not yet elapsed")

	n, err = s.PromoteRetryable(ctx, testEpoch.Add(time.Second), testEpoch.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReapStaleTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 2)

	// First task: attempt 1 of 3, goes back to RETRYABLE.
	first, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)

	res, err := s.ReapStaleTasks(ctx, testEpoch.Add(time.Minute), 3, testEpoch.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 0, res.Failed)

	got, err := s.GetTask(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRetryable, got.Status)
	assert.Equal(t, 1, got.Attempt)

	// Fresh RUNNING tasks are left alone.
	second, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	res, err = s.ReapStaleTasks(ctx, testEpoch.Add(time.Minute), 3, testEpoch.Add(6*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued+res.Failed)

	// With max attempts 1 the stale task is exhausted: FAILED and counted once.
	res, err = s.ReapStaleTasks(ctx, testEpoch.Add(10*time.Minute), 1, testEpoch.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err = s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, got.Status)

	batch, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.ProcessedTasks)
	assert.Equal(t, 1, batch.FailedTasks)
	assert.Equal(t, domain.BatchStatusRunning, batch.Status)
}

func TestReapStaleTasks_CompletesBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	_, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)

	res, err := s.ReapStaleTasks(ctx, testEpoch.Add(time.Minute), 1, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, res.CompletedBatches)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusFailed, got.Status)
}

func TestRetryBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 2)

	for i := range 2 {
		task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
		require.NoError(t, err)
		status := domain.TaskStatusFailed
		if i == 1 {
			status = domain.TaskStatusSucceeded
		}
		_, err = s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: status, At: testEpoch}, nil)
		require.NoError(t, err)
	}

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	require.Equal(t, domain.BatchStatusFailed, got.Status)

	audit := &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditBatchRetried,
		EntityTable: "batches",
		EntityID:    b.ID,
		Actor:       "operator",
		CreatedAt:   testEpoch,
	}
	res, err := s.RetryBatch(ctx, b.ID, 3, audit, testEpoch.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Equal(t, 0, res.Skipped)

	got, err = s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusRunning, got.Status)
	assert.Equal(t, 1, got.ProcessedTasks)
	assert.Equal(t, 0, got.FailedTasks)
	assert.Nil(t, got.CompletedAt)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, 2, task.Attempt)

	res2, err := s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusSucceeded, At: testEpoch.Add(3 * time.Minute)}, nil)
	require.NoError(t, err)
	assert.True(t, res2.BatchCompleted)
	assert.Equal(t, domain.BatchStatusSucceeded, res2.BatchStatus)
}

func TestRetryBatch_SkipsExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	_, err = s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusFailed, At: testEpoch}, nil)
	require.NoError(t, err)

	res, err := s.RetryBatch(ctx, b.ID, 1, nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Requeued)
	assert.Equal(t, 1, res.Skipped)

	got, err := s.GetBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusFailed, got.Status)
}

func TestCancelBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 3)

	_, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)

	n, err := s.CancelBatch(ctx, b.ID, nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	counts, err := s.CountTasksByStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, counts[domain.TaskStatusCancelled])
	assert.Equal(t, 1, counts[domain.TaskStatusSucceeded], "manifest task keeps its status")

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = s.CancelBatch(ctx, b.ID, nil, testEpoch)
	assert.ErrorIs(t, err, store.ErrConflict)

	_, err = s.CancelBatch(ctx, "bat-missing", nil, testEpoch)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPauseBatch_Conflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, _ := submitTestBatch(t, s)
	require.NoError(t, s.PauseBatch(ctx, b.ID, nil, testEpoch))
	assert.ErrorIs(t, s.PauseBatch(ctx, b.ID, nil, testEpoch), store.ErrConflict)

	status, err := s.ResumeBatch(ctx, b.ID, nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, status, "unexpanded batch resumes to PENDING")

	_, err = s.ResumeBatch(ctx, b.ID, nil, testEpoch)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestResumeBatch_CompletesFinishedBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b, manifest := submitTestBatch(t, s)
	expandTestBatch(t, s, manifest, 1)

	task, err := s.ClaimTask(ctx, domain.JobTypeScrape, "owner", testEpoch)
	require.NoError(t, err)
	require.NoError(t, s.PauseBatch(ctx, b.ID, nil, testEpoch))

	res, err := s.CompleteTask(ctx, store.TaskOutcome{TaskID: task.ID, Status: domain.TaskStatusSucceeded, At: testEpoch}, nil)
	require.NoError(t, err)
	assert.True(t, res.Counted)
	assert.False(t, res.BatchCompleted, "paused batches do not complete")

	status, err := s.ResumeBatch(ctx, b.ID, nil, testEpoch)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusSucceeded, status)
}
