package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/store"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
	"github.com/krithibase/krithibase-server/internal/voting"
)

type catalogEnv struct {
	svc    *CatalogService
	store  *sqlite.Store
	krithi *domain.Krithi
	item   *domain.ExtractionQueueItem
}

// setupTestCatalog creates a catalog service over a temp database holding one krithi.
func setupTestCatalog(t *testing.T) *catalogEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	now := time.Now().UTC()

	composer := &domain.ReferenceEntity{
		ID:             id.MustGenerate(id.Composer),
		Kind:           domain.ReferenceComposer,
		Name:           "Muthuswami Dikshitar",
		NormalizedName: "muthuswami dikshitar",
		CreatedAt:      now,
	}
	require.NoError(t, s.CreateReference(ctx, composer))

	k := &domain.Krithi{
		ID:              id.MustGenerate(id.Krithi),
		Title:           "Vatapi Ganapatim",
		NormalizedTitle: "vatapi ganapatim",
		CompressedTitle: "vatapiganapatim",
		ComposerID:      composer.ID,
		Sections:        structure(domain.SectionPallavi, domain.SectionAnupallavi, domain.SectionCharanam),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, s.CreateKrithi(ctx, k))

	item := &domain.ExtractionQueueItem{
		ID:        id.MustGenerate(id.Extraction),
		SourceURL: "https://example.org/vatapi",
		Format:    domain.SourceFormatHTML,
		Intent:    domain.IntentPrimary,
		Status:    domain.ExtractionStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.EnqueueExtraction(ctx, item))

	return &catalogEnv{
		svc:    NewCatalogService(s, voting.NewService(s, nil, logger), logger),
		store:  s,
		krithi: k,
		item:   item,
	}
}

func structure(types ...domain.SectionType) []domain.Section {
	out := make([]domain.Section, len(types))
	for i, st := range types {
		out[i] = domain.Section{Type: st, Order: i + 1}
	}
	return out
}

func (e *catalogEnv) addEvidence(t *testing.T, source string, types ...domain.SectionType) {
	t.Helper()

	raw, err := json.Marshal(domain.CanonicalExtraction{
		Title:    e.krithi.Title,
		Sections: structure(types...),
		Source:   domain.ExtractionSource{Name: source, Tier: 3, Method: domain.MethodHTMLScrape},
	})
	require.NoError(t, err)

	require.NoError(t, e.store.CreateEvidence(context.Background(), &domain.SourceEvidence{
		ID:                id.MustGenerate(id.Evidence),
		KrithiID:          e.krithi.ID,
		ExtractionItemID:  e.item.ID,
		SourceName:        source,
		SourceTier:        3,
		Method:            domain.MethodHTMLScrape,
		ContributedFields: []string{domain.FieldTitle, domain.FieldSections},
		RawExtraction:     string(raw),
		CreatedAt:         time.Now().UTC(),
	}))
}

func TestCatalogService_VotingLifecycle(t *testing.T) {
	env := setupTestCatalog(t)
	ctx := context.Background()

	_, err := env.svc.Voting(ctx, env.krithi.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "no vote yet")

	env.addEvidence(t, "karnatik", domain.SectionPallavi, domain.SectionCharanam)
	rec, err := env.svc.Recompute(ctx, env.krithi.ID)
	require.NoError(t, err)
	assert.Nil(t, rec, "one source is not enough")

	env.addEvidence(t, "sahityam", domain.SectionPallavi, domain.SectionCharanam)
	rec, err = env.svc.Recompute(ctx, env.krithi.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.ConsensusUnanimous, rec.ConsensusType)

	stored, err := env.svc.Voting(ctx, env.krithi.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)

	detail, err := env.svc.Krithi(ctx, env.krithi.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Evidence, 2)
	assert.Equal(t, "PALLAVI|CHARANAM", domain.StructureKey(detail.Sections))

	trail, err := env.svc.Audit(ctx, "krithis", env.krithi.ID)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, domain.AuditVotingRecomputed, trail[len(trail)-1].Action)
}

func TestCatalogService_UnknownKrithi(t *testing.T) {
	env := setupTestCatalog(t)
	ctx := context.Background()

	_, err := env.svc.Voting(ctx, "krt-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.svc.Recompute(ctx, "krt-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.svc.Krithi(ctx, "krt-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCatalogService_Duplicates(t *testing.T) {
	env := setupTestCatalog(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &domain.Batch{
		ID:             id.MustGenerate(id.Batch),
		SourceManifest: "/manifests/dikshitar.csv",
		Status:         domain.BatchStatusRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job := &domain.Job{
		ID:        id.MustGenerate(id.Job),
		BatchID:   batch.ID,
		Type:      domain.JobTypeManifestIngest,
		Payload:   domain.ManifestIngestPayload{ManifestPath: batch.SourceManifest},
		Status:    domain.TaskStatusSucceeded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	task := &domain.Task{
		ID:        id.MustGenerate(id.Task),
		JobID:     job.ID,
		BatchID:   batch.ID,
		JobType:   domain.JobTypeManifestIngest,
		WorkKey:   batch.SourceManifest,
		Status:    domain.TaskStatusSucceeded,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.store.SubmitBatch(ctx, batch, job, task, nil))

	dup := &domain.ImportSubmission{
		ID:              id.MustGenerate(id.Submission),
		BatchID:         batch.ID,
		SourceURL:       "https://example.org/vatapi-2",
		RawTitle:        "Vatapi Ganapathim",
		NormalizedTitle: "vatapi ganapathim",
		Checksum:        "c1",
		Status:          domain.SubmissionDuplicate,
		Duplicates: []domain.DuplicateCandidate{{
			Source:     domain.DuplicateFromCatalog,
			EntityID:   env.krithi.ID,
			Title:      env.krithi.Title,
			Score:      97,
			Confidence: domain.ConfidenceHigh,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, env.store.SaveImport(ctx, dup, nil, nil))

	fresh := &domain.ImportSubmission{
		ID:              id.MustGenerate(id.Submission),
		BatchID:         batch.ID,
		SourceURL:       "https://example.org/mahaganapatim",
		RawTitle:        "Maha Ganapatim",
		NormalizedTitle: "maha ganapatim",
		Checksum:        "c2",
		Status:          domain.SubmissionExtracting,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, env.store.SaveImport(ctx, fresh, nil, nil))

	got, err := env.svc.Duplicates(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionDuplicate, got.Status)
	require.Len(t, got.Duplicates, 1)
	assert.Equal(t, env.krithi.ID, got.Duplicates[0].EntityID)

	got, err = env.svc.Duplicates(ctx, fresh.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.Duplicates)
	assert.Empty(t, got.Duplicates)

	_, err = env.svc.Duplicates(ctx, "sub-missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
