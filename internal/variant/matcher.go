package variant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/fuzzy"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/normalize"
	"github.com/krithibase/krithibase-server/internal/resolver"
	"github.com/krithibase/krithibase-server/internal/search"
	"github.com/krithibase/krithibase-server/internal/store"
)

// maxSearchHits bounds the title index lookup per entry.
const maxSearchHits = 20

// Store is the persistence variant matching needs.
type Store interface {
	GetKrithis(ctx context.Context, ids []string) ([]*domain.Krithi, error)
	FindKrithisByNormalizedTitle(ctx context.Context, title string) ([]*domain.Krithi, error)
	FindKrithisByCompressedTitle(ctx context.Context, compressed string) ([]*domain.Krithi, error)
	ExtractionKrithiIDs(ctx context.Context, itemID string) ([]string, error)
	GetReference(ctx context.Context, kind domain.ReferenceKind, id string) (*domain.ReferenceEntity, error)
	SaveVariantMatch(ctx context.Context, w store.VariantWrite) error
	GetVariantMatch(ctx context.Context, id string) (*domain.VariantMatch, error)
	ListVariantMatches(ctx context.Context, status domain.VariantMatchStatus, limit int) ([]*domain.VariantMatch, error)
	ReviewVariantMatch(ctx context.Context, w store.VariantWrite) error
}

// TitleSearcher finds title candidates beyond exact normalized matches.
type TitleSearcher interface {
	SearchTitles(ctx context.Context, normalizedTitle, composerID string, limit int) ([]search.Hit, error)
}

// Request is one ENRICH item's extractions.
type Request struct {
	EnrichItemID  string
	RelatedItemID string
	SourceURL     string
	Extractions   []domain.CanonicalExtraction
}

// Report summarizes a MatchVariants call.
type Report struct {
	Matches      []*domain.VariantMatch
	AutoApproved int
	Pending      int
	Unmatched    int
	// AlreadyScored counts entries matched by an earlier run of the same item.
	AlreadyScored int
	// KrithiIDs lists krithis that received a lyric variant.
	KrithiIDs []string
}

// Matcher scores enrichment entries and persists the matches.
type Matcher struct {
	store    Store
	searcher TitleSearcher
	metrics  metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewMatcher creates a matcher. searcher may be nil, in which case only exact and
// compressed title lookups are used.
func NewMatcher(s Store, searcher TitleSearcher, recorder metrics.Recorder, logger *slog.Logger) *Matcher {
	return &Matcher{
		store:    s,
		searcher: searcher,
		metrics:  metrics.OrNop(recorder),
		logger:   logger,
		now:      time.Now,
	}
}

type scored struct {
	krithi  *domain.Krithi
	signals Signals
}

// MatchVariants scores every entry against its candidates and stores the best match per
// entry. HIGH matches are auto-approved and their lyric variants written immediately; the
// rest wait for review. Entries already scored by an earlier run are skipped, so the call
// can be repeated after a partial failure.
func (m *Matcher) MatchVariants(ctx context.Context, req Request) (*Report, error) {
	report := &Report{}

	related, err := m.relatedSet(ctx, req.RelatedItemID)
	if err != nil {
		return report, err
	}
	refs := newReferenceCache(m.store)

	for i := range req.Extractions {
		entry := &req.Extractions[i]

		best, err := m.bestCandidate(ctx, entry, related, refs)
		if err != nil {
			return report, fmt.Errorf("entry %d: %w", i, err)
		}
		if best == nil {
			report.Unmatched++
			continue
		}

		match, err := m.save(ctx, req, i, entry, best, related)
		if errors.Is(err, store.ErrAlreadyExists) {
			report.AlreadyScored++
			continue
		}
		if err != nil {
			return report, fmt.Errorf("entry %d: %w", i, err)
		}

		report.Matches = append(report.Matches, match)
		if match.Status == domain.VariantMatchAutoApproved {
			report.AutoApproved++
			report.KrithiIDs = append(report.KrithiIDs, match.KrithiID)
		} else {
			report.Pending++
		}
		m.metrics.VariantMatch(string(match.Tier), string(match.Status))
	}

	m.logger.Debug("variants matched",
		slog.String("enrich_item_id", req.EnrichItemID),
		slog.Int("entries", len(req.Extractions)),
		slog.Int("auto_approved", report.AutoApproved),
		slog.Int("pending", report.Pending),
		slog.Int("unmatched", report.Unmatched),
	)
	return report, nil
}

func (m *Matcher) relatedSet(ctx context.Context, relatedItemID string) (map[string]bool, error) {
	related := make(map[string]bool)
	if relatedItemID == "" {
		return related, nil
	}
	ids, err := m.store.ExtractionKrithiIDs(ctx, relatedItemID)
	if err != nil {
		return nil, fmt.Errorf("related krithis: %w", err)
	}
	for _, kid := range ids {
		related[kid] = true
	}
	return related, nil
}

// candidates merges related-item krithis, title index hits and exact title lookups by id.
func (m *Matcher) candidates(ctx context.Context, normalizedTitle string, related map[string]bool) ([]*domain.Krithi, error) {
	seen := make(map[string]bool)
	var out []*domain.Krithi
	add := func(ks []*domain.Krithi) {
		for _, k := range ks {
			if !seen[k.ID] {
				seen[k.ID] = true
				out = append(out, k)
			}
		}
	}

	var ids []string
	for kid := range related {
		ids = append(ids, kid)
	}
	if m.searcher != nil {
		hits, err := m.searcher.SearchTitles(ctx, normalizedTitle, "", maxSearchHits)
		if err != nil {
			m.logger.Warn("title search failed; using exact lookups only", slog.Any("error", err))
		}
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) > 0 {
		ks, err := m.store.GetKrithis(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("load candidates: %w", err)
		}
		add(ks)
	}

	exact, err := m.store.FindKrithisByNormalizedTitle(ctx, normalizedTitle)
	if err != nil {
		return nil, fmt.Errorf("find by title: %w", err)
	}
	add(exact)

	compressed, err := m.store.FindKrithisByCompressedTitle(ctx, normalize.Compress(normalizedTitle))
	if err != nil {
		return nil, fmt.Errorf("find by compressed title: %w", err)
	}
	add(compressed)

	return out, nil
}

func (m *Matcher) bestCandidate(ctx context.Context, entry *domain.CanonicalExtraction, related map[string]bool, refs *referenceCache) (*scored, error) {
	title := normalize.Title(entry.Title)
	if title == "" {
		return nil, nil
	}
	ks, err := m.candidates(ctx, title, related)
	if err != nil {
		return nil, err
	}

	var pool []scored
	for _, k := range ks {
		titleScore := max(
			fuzzy.SimilarityRatio(title, k.NormalizedTitle),
			fuzzy.SimilarityRatio(normalize.Compress(title), k.CompressedTitle),
		)
		if alt := normalize.Title(entry.AlternateTitle); alt != "" {
			titleScore = max(titleScore, fuzzy.SimilarityRatio(alt, k.NormalizedTitle))
		}
		if titleScore <= resolver.MinScore {
			continue
		}

		ragaTala, err := m.ragaTalaScore(ctx, entry, k, refs)
		if err != nil {
			return nil, err
		}
		pool = append(pool, scored{
			krithi: k,
			signals: Signals{
				Title:        float64(titleScore) / 100,
				RagaTala:     ragaTala,
				PagePosition: PagePosition(k.ID, related),
			},
		})
	}
	if len(pool) == 0 {
		return nil, nil
	}

	sort.SliceStable(pool, func(i, j int) bool {
		ci, cj := pool[i].signals.Composite(), pool[j].signals.Composite()
		if ci != cj {
			return ci > cj
		}
		if pool[i].signals.Title != pool[j].signals.Title {
			return pool[i].signals.Title > pool[j].signals.Title
		}
		return pool[i].krithi.ID < pool[j].krithi.ID
	})
	return &pool[0], nil
}

// ragaTalaScore averages the raga and tala similarities that have values on both sides.
func (m *Matcher) ragaTalaScore(ctx context.Context, entry *domain.CanonicalExtraction, k *domain.Krithi, refs *referenceCache) (float64, error) {
	var ragaScore, talaScore *float64

	if names := entry.RagaNames(); len(names) > 0 && len(k.RagaIDs) > 0 {
		best := 0
		for _, rid := range k.RagaIDs {
			ref, err := refs.get(ctx, domain.ReferenceRaga, rid)
			if err != nil {
				return 0, err
			}
			if ref == nil {
				continue
			}
			for _, name := range names {
				best = max(best, fuzzy.SimilarityRatio(normalize.Normalize(name, normalize.KindRaga), ref.NormalizedName))
			}
		}
		v := float64(best) / 100
		ragaScore = &v
	}

	if entry.Tala != "" && k.TalaID != "" {
		ref, err := refs.get(ctx, domain.ReferenceTala, k.TalaID)
		if err != nil {
			return 0, err
		}
		if ref != nil {
			v := float64(fuzzy.SimilarityRatio(normalize.Normalize(entry.Tala, normalize.KindTala), ref.NormalizedName)) / 100
			talaScore = &v
		}
	}

	return AverageAvailable(ragaScore, talaScore), nil
}

func (m *Matcher) save(ctx context.Context, req Request, index int, entry *domain.CanonicalExtraction, best *scored, related map[string]bool) (*domain.VariantMatch, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode extraction: %w", err)
	}

	now := m.now().UTC()
	confidence := best.signals.Composite()
	tier := TierFor(confidence)
	match := &domain.VariantMatch{
		ID:                id.MustGenerate(id.VariantMatch),
		EnrichItemID:      req.EnrichItemID,
		RelatedItemID:     req.RelatedItemID,
		EntryIndex:        index,
		KrithiID:          best.krithi.ID,
		TitleScore:        best.signals.Title,
		RagaTalaScore:     best.signals.RagaTala,
		PagePositionScore: best.signals.PagePosition,
		Confidence:        confidence,
		Tier:              tier,
		Status:            StatusFor(tier),
		IsAnomaly:         len(related) > 0 && !related[best.krithi.ID],
		StructureMismatch: StructureMismatch(entry.Sections, best.krithi.Sections),
		ExtractionJSON:    string(raw),
		CreatedAt:         now,
	}

	w := store.VariantWrite{Match: match}
	if match.Status == domain.VariantMatchAutoApproved {
		w.Variants, w.Evidence = approvedWrites(match, entry, req.SourceURL, now)
		w.Audit = &domain.AuditEntry{
			ID:          id.MustGenerate(id.AuditEntry),
			Action:      domain.AuditVariantAutoApproved,
			EntityTable: "krithis",
			EntityID:    match.KrithiID,
			Actor:       domain.SystemActor,
			Metadata: map[string]any{
				"match_id":       match.ID,
				"enrich_item_id": match.EnrichItemID,
				"confidence":     match.Confidence,
				"variants":       len(w.Variants),
			},
			CreatedAt: now,
		}
	}

	if err := m.store.SaveVariantMatch(ctx, w); err != nil {
		return nil, err
	}
	if match.IsAnomaly {
		m.logger.Warn("variant matched outside the related extraction",
			slog.String("match_id", match.ID),
			slog.String("krithi_id", match.KrithiID),
			slog.String("related_item_id", req.RelatedItemID),
		)
	}
	return match, nil
}

// approvedWrites builds the lyric variants and evidence an approved match persists.
func approvedWrites(match *domain.VariantMatch, entry *domain.CanonicalExtraction, sourceURL string, now time.Time) ([]*domain.LyricVariant, *domain.SourceEvidence) {
	if entry.Source.URL != "" {
		sourceURL = entry.Source.URL
	}

	variants := make([]*domain.LyricVariant, 0, len(entry.LyricVariants))
	for _, lv := range entry.LyricVariants {
		variants = append(variants, &domain.LyricVariant{
			ID:        id.MustGenerate(id.LyricVariant),
			KrithiID:  match.KrithiID,
			Language:  lv.Language,
			Script:    lv.Script,
			Sections:  lv.Sections,
			SourceURL: sourceURL,
			CreatedAt: now,
		})
	}

	evidence := &domain.SourceEvidence{
		ID:                id.MustGenerate(id.Evidence),
		KrithiID:          match.KrithiID,
		ExtractionItemID:  match.EnrichItemID,
		EntryIndex:        match.EntryIndex,
		SourceName:        entry.Source.Name,
		SourceTier:        entry.Source.Tier,
		SourceURL:         sourceURL,
		Method:            entry.Source.Method,
		Checksum:          entry.Source.Checksum,
		ContributedFields: domain.ContributedFieldsOf(entry),
		RawExtraction:     match.ExtractionJSON,
		CreatedAt:         now,
	}
	return variants, evidence
}

// Review applies an operator decision to a PENDING match. Approval persists the same
// lyric variants and evidence an auto-approval would.
// Returns store.ErrConflict when the match was already decided.
func (m *Matcher) Review(ctx context.Context, matchID string, decision domain.ReviewDecision, reviewer string) (*domain.VariantMatch, error) {
	match, err := m.store.GetVariantMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if match.Status != domain.VariantMatchPending {
		return nil, store.ErrConflict.WithMessage(fmt.Sprintf("variant match %s is %s", matchID, match.Status))
	}

	now := m.now().UTC()
	match.Reviewer = reviewer
	match.ReviewedAt = &now

	w := store.VariantWrite{Match: match}
	switch decision {
	case domain.ReviewApprove:
		match.Status = domain.VariantMatchApproved
		var entry domain.CanonicalExtraction
		if err := json.Unmarshal([]byte(match.ExtractionJSON), &entry); err != nil {
			return nil, fmt.Errorf("decode stored extraction: %w", err)
		}
		w.Variants, w.Evidence = approvedWrites(match, &entry, "", now)
	case domain.ReviewReject:
		match.Status = domain.VariantMatchRejected
	default:
		return nil, store.ErrInvalidInput.WithMessage(fmt.Sprintf("unknown decision %q", decision))
	}

	w.Audit = &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditVariantReviewed,
		EntityTable: "variant_matches",
		EntityID:    match.ID,
		Actor:       reviewer,
		Metadata: map[string]any{
			"decision":  string(decision),
			"krithi_id": match.KrithiID,
		},
		CreatedAt: now,
	}

	if err := m.store.ReviewVariantMatch(ctx, w); err != nil {
		return nil, err
	}
	m.logger.Info("variant match reviewed",
		slog.String("match_id", match.ID),
		slog.String("status", string(match.Status)),
		slog.String("reviewer", reviewer),
	)
	return match, nil
}

// List returns matches in the given status, oldest first.
func (m *Matcher) List(ctx context.Context, status domain.VariantMatchStatus, limit int) ([]*domain.VariantMatch, error) {
	return m.store.ListVariantMatches(ctx, status, limit)
}

// referenceCache memoizes reference lookups for one MatchVariants call.
type referenceCache struct {
	store Store
	refs  map[string]*domain.ReferenceEntity
}

func newReferenceCache(s Store) *referenceCache {
	return &referenceCache{store: s, refs: make(map[string]*domain.ReferenceEntity)}
}

// get returns nil for a missing reference.
func (c *referenceCache) get(ctx context.Context, kind domain.ReferenceKind, refID string) (*domain.ReferenceEntity, error) {
	key := string(kind) + "/" + refID
	if ref, ok := c.refs[key]; ok {
		return ref, nil
	}
	ref, err := c.store.GetReference(ctx, kind, refID)
	if errors.Is(err, store.ErrNotFound) {
		ref, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %s: %w", kind, refID, err)
	}
	c.refs[key] = ref
	return ref, nil
}
