package variant

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/normalize"
	"github.com/krithibase/krithibase-server/internal/store"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
)

type matcherEnv struct {
	store    *sqlite.Store
	matcher  *Matcher
	composer *domain.ReferenceEntity
	raga     *domain.ReferenceEntity
	tala     *domain.ReferenceEntity
}

func setupTestMatcher(t *testing.T) *matcherEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	env := &matcherEnv{store: s, matcher: NewMatcher(s, nil, nil, logger)}
	env.composer = env.reference(t, domain.ReferenceComposer, id.Composer, "Tyagaraja", normalize.KindComposer)
	env.raga = env.reference(t, domain.ReferenceRaga, id.Raga, "Sri", normalize.KindRaga)
	env.tala = env.reference(t, domain.ReferenceTala, id.Tala, "Adi", normalize.KindTala)
	return env
}

func (e *matcherEnv) reference(t *testing.T, kind domain.ReferenceKind, prefix id.Prefix, name string, nk normalize.Kind) *domain.ReferenceEntity {
	t.Helper()
	ref := &domain.ReferenceEntity{
		ID:             id.MustGenerate(prefix),
		Kind:           kind,
		Name:           name,
		NormalizedName: normalize.Normalize(name, nk),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, e.store.CreateReference(context.Background(), ref))
	return ref
}

func (e *matcherEnv) krithi(t *testing.T, title string, sectionCount int) *domain.Krithi {
	t.Helper()
	now := time.Now().UTC()
	k := &domain.Krithi{
		ID:              id.MustGenerate(id.Krithi),
		Title:           title,
		NormalizedTitle: normalize.Title(title),
		CompressedTitle: normalize.CompressedTitle(title),
		ComposerID:      e.composer.ID,
		RagaIDs:         []string{e.raga.ID},
		TalaID:          e.tala.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for i := range sectionCount {
		k.Sections = append(k.Sections, domain.Section{Type: domain.SectionCharanam, Order: i + 1})
	}
	require.NoError(t, e.store.CreateKrithi(context.Background(), k))
	return k
}

func (e *matcherEnv) item(t *testing.T, intent domain.ExtractionIntent, related string) *domain.ExtractionQueueItem {
	t.Helper()
	now := time.Now().UTC()
	item := &domain.ExtractionQueueItem{
		ID:            id.MustGenerate(id.Extraction),
		SourceURL:     "https://example.org/" + string(intent),
		Format:        domain.SourceFormatPDF,
		Intent:        intent,
		RelatedItemID: related,
		Status:        domain.ExtractionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, e.store.EnqueueExtraction(context.Background(), item))
	return item
}

// link records that the PRIMARY item produced k.
func (e *matcherEnv) link(t *testing.T, item *domain.ExtractionQueueItem, k *domain.Krithi) {
	t.Helper()
	require.NoError(t, e.store.CreateEvidence(context.Background(), &domain.SourceEvidence{
		ID:                id.MustGenerate(id.Evidence),
		KrithiID:          k.ID,
		ExtractionItemID:  item.ID,
		SourceName:        "guruguha",
		SourceTier:        1,
		Method:            domain.MethodPDFText,
		ContributedFields: []string{domain.FieldTitle},
		RawExtraction:     `{"title":"` + k.Title + `"}`,
		CreatedAt:         time.Now().UTC(),
	}))
}

func entry(title, raga, tala string, sectionCount int) domain.CanonicalExtraction {
	e := domain.CanonicalExtraction{
		Title: title,
		Tala:  tala,
		LyricVariants: []domain.LyricVariantText{{
			Language: "sa",
			Script:   "devanagari",
			Sections: []domain.LyricSectionText{{SectionOrder: 1, Text: "..."}},
		}},
		Source: domain.ExtractionSource{Name: "guruguha-sanskrit", Tier: 1, Method: domain.MethodPDFText},
	}
	if raga != "" {
		e.Ragas = []domain.RagaRef{{Name: raga}}
	}
	for i := range sectionCount {
		e.Sections = append(e.Sections, domain.Section{Type: domain.SectionCharanam, Order: i + 1})
	}
	return e
}

func TestMatchVariants_TitleOnlyIsMediumPending(t *testing.T) {
	env := setupTestMatcher(t)
	ctx := context.Background()

	k := env.krithi(t, "Endaro Mahanubhavulu", 0)
	enrich := env.item(t, domain.IntentEnrich, "")

	report, err := env.matcher.MatchVariants(ctx, Request{
		EnrichItemID: enrich.ID,
		Extractions:  []domain.CanonicalExtraction{entry("Endaro Mahanubhavulu", "", "", 0)},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)

	m := report.Matches[0]
	assert.Equal(t, k.ID, m.KrithiID)
	assert.InDelta(t, 1.0, m.TitleScore, 1e-9)
	assert.InDelta(t, 0.0, m.RagaTalaScore, 1e-9)
	assert.InDelta(t, PositionUnknown, m.PagePositionScore, 1e-9)
	assert.InDelta(t, 0.60, m.Confidence, 1e-9)
	assert.Equal(t, domain.ConfidenceMedium, m.Tier)
	assert.Equal(t, domain.VariantMatchPending, m.Status)
	assert.False(t, m.IsAnomaly)
	assert.Equal(t, 1, report.Pending)
	assert.Empty(t, report.KrithiIDs)

	variants, err := env.store.ListLyricVariants(ctx, k.ID)
	require.NoError(t, err)
	assert.Empty(t, variants, "pending matches do not attach variants")

	pending, err := env.matcher.List(ctx, domain.VariantMatchPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, m.ID, pending[0].ID)
}

func TestMatchVariants_HighIsAutoApproved(t *testing.T) {
	env := setupTestMatcher(t)
	ctx := context.Background()

	k := env.krithi(t, "Endaro Mahanubhavulu", 2)
	primary := env.item(t, domain.IntentPrimary, "")
	env.link(t, primary, k)
	enrich := env.item(t, domain.IntentEnrich, primary.ID)

	report, err := env.matcher.MatchVariants(ctx, Request{
		EnrichItemID:  enrich.ID,
		RelatedItemID: primary.ID,
		SourceURL:     enrich.SourceURL,
		Extractions:   []domain.CanonicalExtraction{entry("Endaro Mahanubhavulu", "Sri", "Adi", 2)},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)

	m := report.Matches[0]
	assert.InDelta(t, 1.0, m.Confidence, 1e-9)
	assert.Equal(t, domain.ConfidenceHigh, m.Tier)
	assert.Equal(t, domain.VariantMatchAutoApproved, m.Status)
	assert.False(t, m.StructureMismatch)
	assert.Equal(t, []string{k.ID}, report.KrithiIDs)

	variants, err := env.store.ListLyricVariants(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "sa", variants[0].Language)
	assert.Equal(t, enrich.SourceURL, variants[0].SourceURL)

	evidence, err := env.store.ListEvidence(ctx, k.ID)
	require.NoError(t, err)
	require.Len(t, evidence, 2)
	var fromEnrich *domain.SourceEvidence
	for _, ev := range evidence {
		if ev.ExtractionItemID == enrich.ID {
			fromEnrich = ev
		}
	}
	require.NotNil(t, fromEnrich)
	assert.Contains(t, fromEnrich.ContributedFields, domain.FieldLyricVariants)

	audit, err := env.store.ListAudit(ctx, "krithis", k.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, domain.AuditVariantAutoApproved, audit[0].Action)
}

func TestMatchVariants_RepeatSkipsScoredEntries(t *testing.T) {
	env := setupTestMatcher(t)
	ctx := context.Background()

	env.krithi(t, "Endaro Mahanubhavulu", 0)
	enrich := env.item(t, domain.IntentEnrich, "")
	req := Request{
		EnrichItemID: enrich.ID,
		Extractions:  []domain.CanonicalExtraction{entry("Endaro Mahanubhavulu", "", "", 0)},
	}

	_, err := env.matcher.MatchVariants(ctx, req)
	require.NoError(t, err)

	again, err := env.matcher.MatchVariants(ctx, req)
	require.NoError(t, err)
	assert.Empty(t, again.Matches)
	assert.Equal(t, 1, again.AlreadyScored)

	all, err := env.matcher.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMatchVariants_AnomalyOutsideRelatedItem(t *testing.T) {
	env := setupTestMatcher(t)
	ctx := context.Background()

	linked := env.krithi(t, "Nagumomu Ganaleni", 0)
	other := env.krithi(t, "Endaro Mahanubhavulu", 3)
	primary := env.item(t, domain.IntentPrimary, "")
	env.link(t, primary, linked)
	enrich := env.item(t, domain.IntentEnrich, primary.ID)

	report, err := env.matcher.MatchVariants(ctx, Request{
		EnrichItemID:  enrich.ID,
		RelatedItemID: primary.ID,
		Extractions:   []domain.CanonicalExtraction{entry("Endaro Mahanubhavulu", "Sri", "Adi", 2)},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)

	m := report.Matches[0]
	assert.Equal(t, other.ID, m.KrithiID)
	assert.True(t, m.IsAnomaly)
	assert.True(t, m.StructureMismatch)
	assert.InDelta(t, PositionUnrelated, m.PagePositionScore, 1e-9)
	assert.InDelta(t, 0.80, m.Confidence, 1e-9)
	assert.Equal(t, domain.VariantMatchPending, m.Status)
}

func TestMatchVariants_Unmatched(t *testing.T) {
	env := setupTestMatcher(t)

	env.krithi(t, "Endaro Mahanubhavulu", 0)
	enrich := env.item(t, domain.IntentEnrich, "")

	report, err := env.matcher.MatchVariants(context.Background(), Request{
		EnrichItemID: enrich.ID,
		Extractions: []domain.CanonicalExtraction{
			entry("Vatapi Ganapatim", "", "", 0),
			entry("", "", "", 0),
		},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Matches)
	assert.Equal(t, 2, report.Unmatched)
}

func TestReview(t *testing.T) {
	env := setupTestMatcher(t)
	ctx := context.Background()

	k := env.krithi(t, "Endaro Mahanubhavulu", 0)
	enrich := env.item(t, domain.IntentEnrich, "")
	report, err := env.matcher.MatchVariants(ctx, Request{
		EnrichItemID: enrich.ID,
		Extractions: []domain.CanonicalExtraction{
			entry("Endaro Mahanubhavulu", "", "", 0),
			entry("Endaro Mahanubhavulu", "", "", 0),
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 2)
	approve, reject := report.Matches[0], report.Matches[1]

	t.Run("approve attaches the variant", func(t *testing.T) {
		m, err := env.matcher.Review(ctx, approve.ID, domain.ReviewApprove, "reviewer@example.org")
		require.NoError(t, err)
		assert.Equal(t, domain.VariantMatchApproved, m.Status)
		assert.Equal(t, "reviewer@example.org", m.Reviewer)
		require.NotNil(t, m.ReviewedAt)

		variants, err := env.store.ListLyricVariants(ctx, k.ID)
		require.NoError(t, err)
		assert.Len(t, variants, 1)

		audit, err := env.store.ListAudit(ctx, "variant_matches", approve.ID)
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, domain.AuditVariantReviewed, audit[0].Action)
	})

	t.Run("reject attaches nothing", func(t *testing.T) {
		m, err := env.matcher.Review(ctx, reject.ID, domain.ReviewReject, "reviewer@example.org")
		require.NoError(t, err)
		assert.Equal(t, domain.VariantMatchRejected, m.Status)

		variants, err := env.store.ListLyricVariants(ctx, k.ID)
		require.NoError(t, err)
		assert.Len(t, variants, 1)
	})

	t.Run("second review conflicts", func(t *testing.T) {
		_, err := env.matcher.Review(ctx, approve.ID, domain.ReviewReject, "someone")
		assert.ErrorIs(t, err, store.ErrConflict)

		stored, err := env.store.GetVariantMatch(ctx, approve.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.VariantMatchApproved, stored.Status)
	})

	t.Run("unknown match", func(t *testing.T) {
		_, err := env.matcher.Review(ctx, "vmt-missing", domain.ReviewApprove, "someone")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}
