package service

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/store"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
	"github.com/krithibase/krithibase-server/internal/validation"
)

type testBatchService struct {
	*BatchService
	store    *sqlite.Store
	notified *atomic.Int32
	dir      string
}

func setupTestBatchService(t *testing.T) (*testBatchService, func()) {
	t.Helper()

	// Create temp directory
	tmpDir, err := os.MkdirTemp("", "krithibase-batch-test-*")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.Open(filepath.Join(tmpDir, "test.db"), logger)
	require.NoError(t, err)

	var notified atomic.Int32
	svc := NewBatchService(s, validation.New(), func() { notified.Add(1) }, 3, logger)

	cleanup := func() {
		_ = s.Close()
		_ = os.RemoveAll(tmpDir)
	}
	return &testBatchService{BatchService: svc, store: s, notified: &notified, dir: tmpDir}, cleanup
}

func writeManifest(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "tyagaraja.csv")
	content := "title,url,raga\nEndaro Mahanubhavulu,https://example.org/endaro,Sri\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBatchService_Submit(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	path := writeManifest(t, svc.dir)
	batch, err := svc.Submit(ctx, SubmitBatchInput{ManifestPath: path, Actor: "curator"})
	require.NoError(t, err)

	assert.Equal(t, domain.BatchStatusPending, batch.Status)
	assert.Equal(t, path, batch.SourceManifest)
	assert.Equal(t, int32(1), svc.notified.Load())

	detail, err := svc.Get(ctx, batch.ID)
	require.NoError(t, err)
	require.Len(t, detail.Jobs, 1)
	assert.Equal(t, domain.JobTypeManifestIngest, detail.Jobs[0].Type)
	assert.Equal(t, 1, detail.TaskCounts[domain.TaskStatusPending])

	entries, err := svc.store.ListAudit(ctx, "batches", batch.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AuditBatchSubmitted, entries[0].Action)
	assert.Equal(t, "curator", entries[0].Actor)
}

func TestBatchService_SubmitValidation(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name  string
		input SubmitBatchInput
	}{
		{"missing path", SubmitBatchInput{}},
		{"file does not exist", SubmitBatchInput{ManifestPath: filepath.Join(svc.dir, "absent.csv")}},
		{"directory", SubmitBatchInput{ManifestPath: svc.dir}},
		{"long delimiter", SubmitBatchInput{ManifestPath: writeManifest(t, svc.dir), Delimiter: ";;"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, tt.input)
			require.Error(t, err)
			assert.Equal(t, domainerrors.CodeValidation, domainerrors.CodeOf(err))
		})
	}

	assert.Equal(t, int32(0), svc.notified.Load(), "rejected submissions must not wake workers")
}

func TestBatchService_GetNotFound(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()

	_, err := svc.Get(context.Background(), "bat-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchService_PauseResumeCancel(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	batch, err := svc.Submit(ctx, SubmitBatchInput{ManifestPath: writeManifest(t, svc.dir)})
	require.NoError(t, err)

	paused, err := svc.Pause(ctx, batch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPaused, paused.Status)

	_, err = svc.Pause(ctx, batch.ID, "")
	assert.ErrorIs(t, err, store.ErrConflict, "pausing twice is a conflict")

	resumed, err := svc.Resume(ctx, batch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusPending, resumed.Status, "manifest not expanded yet")
	assert.Equal(t, int32(2), svc.notified.Load())

	cancelled, err := svc.Cancel(ctx, batch.ID, "curator")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	tasks, err := svc.ListTasks(ctx, batch.ID, domain.TaskStatusCancelled, 0)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)

	_, err = svc.Cancel(ctx, batch.ID, "curator")
	assert.ErrorIs(t, err, store.ErrConflict)

	entries, err := svc.store.ListAudit(ctx, "batches", batch.ID)
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{
		domain.AuditBatchSubmitted,
		domain.AuditBatchPaused,
		domain.AuditBatchResumed,
		domain.AuditBatchCancelled,
	}, actions)
	assert.Equal(t, domain.SystemActor, entries[1].Actor)
}

func TestBatchService_Retry(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	batch, err := svc.Submit(ctx, SubmitBatchInput{ManifestPath: writeManifest(t, svc.dir)})
	require.NoError(t, err)

	// Nothing to retry yet
	result, err := svc.Retry(ctx, batch.ID, "")
	require.NoError(t, err)
	assert.Equal(t, store.RetryResult{}, result)

	now := time.Now().UTC()
	task, err := svc.store.ClaimTask(ctx, domain.JobTypeManifestIngest, "worker-test", now)
	require.NoError(t, err)
	require.NotNil(t, task)
	_, err = svc.store.CompleteTask(ctx, store.TaskOutcome{
		TaskID: task.ID,
		Status: domain.TaskStatusFailed,
		Error:  &domain.TaskError{Message: "manifest unreadable"},
		At:     now,
	}, nil)
	require.NoError(t, err)

	before := svc.notified.Load()
	result, err = svc.Retry(ctx, batch.ID, "curator")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Requeued)
	assert.Equal(t, 0, result.Skipped)
	assert.Equal(t, before+1, svc.notified.Load())

	requeued, err := svc.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, requeued.Status)
	assert.Equal(t, 1, requeued.Attempt, "retry keeps the attempt count")
}

func TestBatchService_ListTasks(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	batch, err := svc.Submit(ctx, SubmitBatchInput{ManifestPath: writeManifest(t, svc.dir)})
	require.NoError(t, err)

	tasks, err := svc.ListTasks(ctx, batch.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.JobTypeManifestIngest, tasks[0].JobType)

	_, err = svc.ListTasks(ctx, batch.ID, domain.TaskStatus("DONE"), 10)
	require.Error(t, err)
	assert.Equal(t, domainerrors.CodeValidation, domainerrors.CodeOf(err))

	_, err = svc.ListTasks(ctx, "bat-missing", "", 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBatchService_List(t *testing.T) {
	svc, cleanup := setupTestBatchService(t)
	defer cleanup()
	ctx := context.Background()

	for range 3 {
		_, err := svc.Submit(ctx, SubmitBatchInput{ManifestPath: writeManifest(t, svc.dir)})
		require.NoError(t, err)
	}

	batches, err := svc.List(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, batches, 2)
}
