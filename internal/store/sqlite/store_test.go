package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	s, err := Open(dbPath, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// submitTestBatch creates a PENDING batch with its manifest job and task.
func submitTestBatch(t *testing.T, s *Store) (*domain.Batch, *domain.Task) {
	t.Helper()
	ctx := context.Background()

	b := &domain.Batch{
		ID:             id.MustGenerate(id.Batch),
		SourceManifest: "/manifests/tyagaraja.csv",
		Status:         domain.BatchStatusPending,
		CreatedAt:      testEpoch,
		UpdatedAt:      testEpoch,
	}
	job := &domain.Job{
		ID:        id.MustGenerate(id.Job),
		BatchID:   b.ID,
		Type:      domain.JobTypeManifestIngest,
		Payload:   domain.ManifestIngestPayload{ManifestPath: b.SourceManifest},
		Status:    domain.TaskStatusPending,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	task := &domain.Task{
		ID:        id.MustGenerate(id.Task),
		JobID:     job.ID,
		BatchID:   b.ID,
		JobType:   domain.JobTypeManifestIngest,
		WorkKey:   b.SourceManifest,
		Status:    domain.TaskStatusPending,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	require.NoError(t, s.SubmitBatch(ctx, b, job, task, nil))
	return b, task
}

// expandTestBatch claims the manifest task and expands it into n scrape tasks.
func expandTestBatch(t *testing.T, s *Store, manifestTask *domain.Task, n int) []*domain.Task {
	t.Helper()
	ctx := context.Background()

	claimed, err := s.ClaimTask(ctx, domain.JobTypeManifestIngest, "test-owner", testEpoch)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, manifestTask.ID, claimed.ID)

	job := &domain.Job{
		ID:        id.MustGenerate(id.Job),
		BatchID:   manifestTask.BatchID,
		Type:      domain.JobTypeScrape,
		Payload:   domain.ScrapePayload{ManifestPath: manifestTask.WorkKey, RowCount: n},
		Status:    domain.TaskStatusPending,
		CreatedAt: testEpoch,
		UpdatedAt: testEpoch,
	}
	tasks := make([]*domain.Task, n)
	for i := range tasks {
		created := testEpoch.Add(time.Duration(i) * time.Millisecond)
		url := fmt.Sprintf("https://example.org/krithi/%d", i)
		tasks[i] = &domain.Task{
			ID:        id.MustGenerate(id.Task),
			JobID:     job.ID,
			BatchID:   manifestTask.BatchID,
			JobType:   domain.JobTypeScrape,
			WorkKey:   url,
			SourceURL: url,
			Metadata:  map[string]string{domain.TaskMetaRow: fmt.Sprint(i + 2)},
			Status:    domain.TaskStatusPending,
			CreatedAt: created,
			UpdatedAt: created,
		}
	}

	require.NoError(t, s.ExpandManifest(ctx, store.ManifestExpansion{
		ManifestTask: claimed,
		ScrapeJob:    job,
		Tasks:        tasks,
		Duration:     20 * time.Millisecond,
		At:           testEpoch,
	}))
	return tasks
}

func TestOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	var journal string
	require.NoError(t, s.db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	require.Equal(t, "wal", journal)

	var fk int
	require.NoError(t, s.db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	require.Equal(t, 1, fk)

	for _, table := range []string{
		"batches", "jobs", "tasks", "extraction_queue", "krithis", "krithi_ragas",
		"source_evidence", "voting_records", "variant_matches", "import_submissions", "audit_log",
	} {
		var name string
		err := s.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestIsSQLiteBusy(t *testing.T) {
	require.False(t, isSQLiteBusy(nil))
	require.True(t, isSQLiteBusy(fmt.Errorf("exec: database is locked")))
	require.True(t, isSQLiteBusy(fmt.Errorf("step: SQLITE_BUSY")))
	require.False(t, isSQLiteBusy(fmt.Errorf("UNIQUE constraint failed")))
}

func TestRetryOnBusy(t *testing.T) {
	calls := 0
	err := retryOnBusy(context.Background(), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)

	calls = 0
	err = retryOnBusy(context.Background(), func() error {
		calls++
		return fmt.Errorf("no such table")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestRetryOnBusy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOnBusy(ctx, func() error { return fmt.Errorf("database is locked") })
	require.ErrorIs(t, err, context.Canceled)
}

func TestTimeRoundTrip(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 6, time.FixedZone("IST", 5*3600+1800))
	got, err := parseTime(formatTime(at))
	require.NoError(t, err)
	require.True(t, at.Equal(got))

	earlier := formatTime(at)
	later := formatTime(at.Add(time.Nanosecond))
	require.Less(t, earlier, later)
}

func TestAuditLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditKrithiCreated,
		EntityTable: "krithis",
		EntityID:    "kri-1",
		Actor:       domain.SystemActor,
		Metadata:    map[string]any{"title": "Endaro Mahanubhavulu"},
		CreatedAt:   testEpoch,
	}
	require.NoError(t, s.AppendAudit(ctx, entry))
	require.NoError(t, s.AppendAudit(ctx, nil))

	entries, err := s.ListAudit(ctx, "krithis", "kri-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, domain.AuditKrithiCreated, entries[0].Action)
	require.Equal(t, "Endaro Mahanubhavulu", entries[0].Metadata["title"])
}
