package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/normalize"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/store/sqlite"
	"github.com/krithibase/krithibase-server/internal/validation"
	"github.com/krithibase/krithibase-server/internal/variant"
	"github.com/krithibase/krithibase-server/internal/voting"
)

// testEnvelope mirrors the response envelope for decoding in tests.
type testEnvelope[T any] struct {
	V       int             `json:"v"`
	Success bool            `json:"success"`
	Data    T               `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details"`
}

type testServer struct {
	*Server
	api     humatest.TestAPI
	store   *sqlite.Store
	matcher *variant.Matcher
	dir     string
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	tmpDir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.Open(filepath.Join(tmpDir, "test.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	v := validation.New()
	voter := voting.NewService(st, nil, logger)
	matcher := variant.NewMatcher(st, nil, nil, logger)
	processor := extraction.NewProcessor(st, extraction.Options{
		Validator: v,
		Matcher:   matcher,
		Voter:     voter,
		Logger:    logger,
	})

	services := &Services{
		Batch:      service.NewBatchService(st, v, func() {}, 3, logger),
		Extraction: service.NewExtractionService(st, processor, v, func() {}, logger),
		Catalog:    service.NewCatalogService(st, voter, logger),
		Variants:   matcher,
	}

	s := NewServer(services, st, nil, Options{}, logger)

	return &testServer{
		Server:  s,
		api:     humatest.Wrap(t, s.API()),
		store:   st,
		matcher: matcher,
		dir:     tmpDir,
	}
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) testEnvelope[T] {
	t.Helper()
	var env testEnvelope[T]
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	return env
}

func (ts *testServer) manifest(t *testing.T) string {
	t.Helper()
	path := filepath.Join(ts.dir, "dikshitar.csv")
	content := "title,url,raga\nVatapi Ganapatim,https://example.org/vatapi,Hamsadhvani\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHealthCheck(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Get("/health")
	require.Equal(t, http.StatusOK, resp.Code)

	env := decode[HealthResponse](t, resp)
	assert.True(t, env.Success)
	assert.Equal(t, 1, env.V)
	assert.Equal(t, "healthy", env.Data.Components["database"].Status)
	// No search index is configured in tests.
	assert.Equal(t, "degraded", env.Data.Status)
}

func TestBatchRoutes(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Post("/api/v1/batches", "X-Actor: curator", map[string]any{
		"manifest_path": ts.manifest(t),
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode[domain.Batch](t, resp)
	assert.True(t, created.Success)
	assert.Equal(t, domain.BatchStatusPending, created.Data.Status)

	t.Run("get returns detail", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/batches/" + created.Data.ID)
		require.Equal(t, http.StatusOK, resp.Code)
		env := decode[map[string]any](t, resp)
		assert.Equal(t, created.Data.ID, env.Data["id"])
	})

	t.Run("list", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/batches?limit=10")
		require.Equal(t, http.StatusOK, resp.Code)
		env := decode[[]domain.Batch](t, resp)
		assert.Len(t, env.Data, 1)
	})

	t.Run("pause then pause again conflicts", func(t *testing.T) {
		resp := ts.api.Post("/api/v1/batches/"+created.Data.ID+"/pause", map[string]any{})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Equal(t, domain.BatchStatusPaused, decode[domain.Batch](t, resp).Data.Status)

		resp = ts.api.Post("/api/v1/batches/"+created.Data.ID+"/pause", map[string]any{})
		require.Equal(t, http.StatusConflict, resp.Code)
		env := decode[any](t, resp)
		assert.False(t, env.Success)
		assert.Equal(t, "CONFLICT", env.Code)
	})

	t.Run("cancel", func(t *testing.T) {
		resp := ts.api.Post("/api/v1/batches/"+created.Data.ID+"/cancel", map[string]any{})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		assert.Equal(t, domain.BatchStatusCancelled, decode[domain.Batch](t, resp).Data.Status)

		resp = ts.api.Get("/api/v1/batches/" + created.Data.ID + "/tasks?status=CANCELLED")
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Len(t, decode[[]domain.Task](t, resp).Data, 1)
	})

	t.Run("audit trail", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/audit?table=batches&id=" + created.Data.ID)
		require.Equal(t, http.StatusOK, resp.Code)
		entries := decode[[]domain.AuditEntry](t, resp).Data
		require.Len(t, entries, 3)
		assert.Equal(t, "curator", entries[0].Actor)
	})
}

func TestBatchRoutes_Errors(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("unknown batch is NOT_FOUND", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/batches/bat_missing")
		require.Equal(t, http.StatusNotFound, resp.Code)
		env := decode[any](t, resp)
		assert.False(t, env.Success)
		assert.Equal(t, "NOT_FOUND", env.Code)
	})

	t.Run("missing manifest file is VALIDATION", func(t *testing.T) {
		resp := ts.api.Post("/api/v1/batches", map[string]any{
			"manifest_path": filepath.Join(ts.dir, "absent.csv"),
		})
		require.Equal(t, http.StatusBadRequest, resp.Code, resp.Body.String())
		assert.Equal(t, "VALIDATION", decode[any](t, resp).Code)
	})

	t.Run("schema violation is VALIDATION", func(t *testing.T) {
		resp := ts.api.Post("/api/v1/batches", map[string]any{"manifest_path": ""})
		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
		env := decode[any](t, resp)
		assert.Equal(t, "VALIDATION", env.Code)
		assert.NotEmpty(t, env.Details)
	})
}

func TestExtractionRoutes(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Post("/api/v1/extractions", map[string]any{
		"source_url": "https://guru-guha.org/vatapi.html",
		"format":     "HTML",
		"intent":     "PRIMARY",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	item := decode[domain.ExtractionQueueItem](t, resp).Data
	assert.Equal(t, domain.ExtractionStatusPending, item.Status)

	resp = ts.api.Post("/api/v1/extractions/claim", map[string]any{})
	require.Equal(t, http.StatusOK, resp.Code)
	claimed := decode[ClaimExtractionResponse](t, resp).Data
	require.NotNil(t, claimed.Item)
	assert.Equal(t, item.ID, claimed.Item.ID)
	assert.Equal(t, domain.ExtractionStatusProcessing, claimed.Item.Status)

	resp = ts.api.Post("/api/v1/extractions/claim", map[string]any{})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Nil(t, decode[ClaimExtractionResponse](t, resp).Data.Item)

	resp = ts.api.Post("/api/v1/extractions/"+item.ID+"/result", map[string]any{
		"payload": []map[string]any{{
			"title":    "Vatapi Ganapatim",
			"composer": "Muthuswami Dikshitar",
			"ragas":    []map[string]any{{"name": "Hamsadhvani"}},
			"source":   map[string]any{"name": "guruguha", "tier": 1, "method": "HTML_SCRAPE"},
		}},
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, domain.ExtractionStatusDone, decode[domain.ExtractionQueueItem](t, resp).Data.Status)

	resp = ts.api.Post("/api/v1/extractions/"+item.ID+"/result", map[string]any{"error": "late"})
	require.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.api.Post("/api/v1/extractions/process?batch_size=10", map[string]any{})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	processed := decode[ProcessExtractionsResponse](t, resp).Data
	require.NotNil(t, processed.Report)
	assert.Equal(t, 1, processed.Report.Ingested)
	assert.Equal(t, 1, processed.Report.Created)
	assert.Empty(t, processed.Errors)

	resp = ts.api.Get("/api/v1/extractions/" + item.ID)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, domain.ExtractionStatusIngested, decode[domain.ExtractionQueueItem](t, resp).Data.Status)

	resp = ts.api.Get("/api/v1/extractions?status=INGESTED")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]domain.ExtractionQueueItem](t, resp).Data, 1)
}

func TestExtractionRoutes_RejectsBadFormat(t *testing.T) {
	ts := setupTestServer(t)

	resp := ts.api.Post("/api/v1/extractions", map[string]any{
		"source_url": "https://example.org/a.docx",
		"format":     "DOCX",
		"intent":     "PRIMARY",
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "VALIDATION", decode[any](t, resp).Code)
}

func TestCatalogRoutes(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	composer := &domain.ReferenceEntity{
		ID:             id.MustGenerate(id.Composer),
		Kind:           domain.ReferenceComposer,
		Name:           "Tyagaraja",
		NormalizedName: normalize.Normalize("Tyagaraja", normalize.KindComposer),
		CreatedAt:      now,
	}
	require.NoError(t, ts.store.CreateReference(ctx, composer))

	k := &domain.Krithi{
		ID:              id.MustGenerate(id.Krithi),
		Title:           "Endaro Mahanubhavulu",
		NormalizedTitle: normalize.Title("Endaro Mahanubhavulu"),
		CompressedTitle: normalize.CompressedTitle("Endaro Mahanubhavulu"),
		ComposerID:      composer.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, ts.store.CreateKrithi(ctx, k))

	t.Run("krithi detail", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/krithis/" + k.ID)
		require.Equal(t, http.StatusOK, resp.Code)
		env := decode[map[string]any](t, resp)
		assert.Equal(t, "Endaro Mahanubhavulu", env.Data["title"])
	})

	t.Run("never voted is NOT_FOUND", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/krithis/" + k.ID + "/voting")
		require.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("recompute with no evidence does not vote", func(t *testing.T) {
		resp := ts.api.Post("/api/v1/krithis/"+k.ID+"/vote", map[string]any{})
		require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
		env := decode[RecomputeVotingResponse](t, resp)
		assert.False(t, env.Data.Voted)
		assert.Nil(t, env.Data.Record)
	})

	t.Run("unknown submission", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/submissions/sub_missing/duplicates")
		require.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("audit requires a known table", func(t *testing.T) {
		resp := ts.api.Get("/api/v1/audit?table=users&id=x")
		require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	})
}

func TestVariantRoutes(t *testing.T) {
	ts := setupTestServer(t)
	ctx := context.Background()
	now := time.Now().UTC()

	composer := &domain.ReferenceEntity{
		ID:             id.MustGenerate(id.Composer),
		Kind:           domain.ReferenceComposer,
		Name:           "Tyagaraja",
		NormalizedName: normalize.Normalize("Tyagaraja", normalize.KindComposer),
		CreatedAt:      now,
	}
	require.NoError(t, ts.store.CreateReference(ctx, composer))
	require.NoError(t, ts.store.CreateKrithi(ctx, &domain.Krithi{
		ID:              id.MustGenerate(id.Krithi),
		Title:           "Endaro Mahanubhavulu",
		NormalizedTitle: normalize.Title("Endaro Mahanubhavulu"),
		CompressedTitle: normalize.CompressedTitle("Endaro Mahanubhavulu"),
		ComposerID:      composer.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}))

	resp := ts.api.Post("/api/v1/extractions", map[string]any{
		"source_url": "https://shivkumar.org/music/endaro.pdf",
		"format":     "PDF",
		"intent":     "PRIMARY",
	})
	require.Equal(t, http.StatusCreated, resp.Code)
	enrich := decode[domain.ExtractionQueueItem](t, resp).Data

	report, err := ts.matcher.MatchVariants(ctx, variant.Request{
		EnrichItemID: enrich.ID,
		Extractions: []domain.CanonicalExtraction{{
			Title:  "Endaro Mahanubhavulu",
			Source: domain.ExtractionSource{Name: "shivkumar", Tier: 4, Method: domain.MethodPDFText},
		}},
	})
	require.NoError(t, err)
	require.Len(t, report.Matches, 1)
	require.Equal(t, domain.VariantMatchPending, report.Matches[0].Status)
	matchID := report.Matches[0].ID

	resp = ts.api.Get("/api/v1/variant-matches")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]domain.VariantMatch](t, resp).Data, 1)

	resp = ts.api.Post("/api/v1/variant-matches/"+matchID+"/review", "X-Actor: reviewer@example.org", map[string]any{
		"decision": "REJECT",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	reviewed := decode[domain.VariantMatch](t, resp).Data
	assert.Equal(t, domain.VariantMatchRejected, reviewed.Status)
	assert.Equal(t, "reviewer@example.org", reviewed.Reviewer)

	resp = ts.api.Post("/api/v1/variant-matches/"+matchID+"/review", map[string]any{"decision": "APPROVE"})
	require.Equal(t, http.StatusConflict, resp.Code)

	resp = ts.api.Post("/api/v1/variant-matches/"+matchID+"/review", map[string]any{"decision": "MAYBE"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestUnknownRoute(t *testing.T) {
	ts := setupTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/nothing-here", nil)
	rec := httptest.NewRecorder()
	ts.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	env := decode[any](t, rec)
	assert.False(t, env.Success)
	assert.Equal(t, "NOT_FOUND", env.Code)
}

func TestEnvelopeTransformer(t *testing.T) {
	ok, err := EnvelopeTransformer(nil, "200", map[string]string{"id": "bat_1"})
	require.NoError(t, err)
	raw, err := json.Marshal(ok)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"success":true,"data":{"id":"bat_1"}}`, string(raw))

	failed, err := EnvelopeTransformer(nil, "404", &APIError{status: 404, Code: "NOT_FOUND", Message: "batch not found"})
	require.NoError(t, err)
	raw, err = json.Marshal(failed)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"success":false,"error":"batch not found","code":"NOT_FOUND","message":"batch not found"}`, string(raw))
}
