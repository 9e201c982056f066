package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/fuzzy"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/normalize"
	"github.com/krithibase/krithibase-server/internal/resolver"
	"github.com/krithibase/krithibase-server/internal/store"
)

// Title score a candidate must exceed to be accepted.
const (
	MetadataMatchThreshold = 75
	TitleOnlyThreshold     = 85
)

// titlePrefixLen is how much of the compressed title the combo strategy compares.
const titlePrefixLen = 6

// planner builds the ingestion plan of one PRIMARY item. Reference and krithi rows it
// creates are visible to later entries of the same item.
type planner struct {
	p    *Processor
	item *domain.ExtractionQueueItem
	now  time.Time
	plan store.IngestionPlan

	refs     map[domain.ReferenceKind][]domain.ReferenceEntity
	variants map[string]map[string]bool // krithi id -> language/script keys present
	matched  []string
}

func newPlanner(p *Processor, item *domain.ExtractionQueueItem) *planner {
	now := p.now().UTC()
	return &planner{
		p:        p,
		item:     item,
		now:      now,
		plan:     store.IngestionPlan{ItemID: item.ID, At: now},
		refs:     make(map[domain.ReferenceKind][]domain.ReferenceEntity),
		variants: make(map[string]map[string]bool),
	}
}

// resolved holds an entry's reference ids.
type resolved struct {
	composerID string
	ragaIDs    []string
	talaID     string
	deityID    string
}

type candidate struct {
	krithi        *domain.Krithi
	score         int
	metadataMatch bool
}

func (pl *planner) addEntry(ctx context.Context, index int, entry *domain.CanonicalExtraction) error {
	if strings.TrimSpace(entry.Composer) == "" {
		return domainerrors.Validationf("entry %d (%q) has no composer", index, entry.Title)
	}
	if normalize.Normalize(entry.Composer, normalize.KindComposer) == "" {
		return domainerrors.Validationf("entry %d (%q) has no composer name in %q", index, entry.Title, entry.Composer)
	}

	refs, err := pl.resolveAll(ctx, entry)
	if err != nil {
		return err
	}

	title := normalize.Title(entry.Title)
	compressed := normalize.Compress(title)
	candidates, err := pl.candidates(ctx, compressed, refs)
	if err != nil {
		return err
	}

	if best, ok := pickCandidate(title, compressed, refs, candidates); ok {
		return pl.match(ctx, index, entry, best)
	}
	return pl.create(ctx, index, entry, title, compressed, refs)
}

func (pl *planner) resolveAll(ctx context.Context, entry *domain.CanonicalExtraction) (resolved, error) {
	var (
		out resolved
		err error
	)
	if out.composerID, err = pl.resolve(ctx, domain.ReferenceComposer, id.Composer, entry.Composer); err != nil {
		return out, err
	}
	for _, name := range entry.RagaNames() {
		ragaID, err := pl.resolve(ctx, domain.ReferenceRaga, id.Raga, name)
		if err != nil {
			return out, err
		}
		if ragaID != "" && !slices.Contains(out.ragaIDs, ragaID) {
			out.ragaIDs = append(out.ragaIDs, ragaID)
		}
	}
	if entry.Tala != "" {
		if out.talaID, err = pl.resolve(ctx, domain.ReferenceTala, id.Tala, entry.Tala); err != nil {
			return out, err
		}
	}
	if entry.Deity != "" {
		if out.deityID, err = pl.resolve(ctx, domain.ReferenceDeity, id.Deity, entry.Deity); err != nil {
			return out, err
		}
	}
	return out, nil
}

// resolve returns the HIGH confidence reference for mention, creating one when none exists.
// A mention with nothing left after normalization resolves to no reference.
func (pl *planner) resolve(ctx context.Context, kind domain.ReferenceKind, prefix id.Prefix, mention string) (string, error) {
	set, ok := pl.refs[kind]
	if !ok {
		var err error
		if set, err = pl.p.store.ListReferences(ctx, kind); err != nil {
			return "", fmt.Errorf("list %s references: %w", kind, err)
		}
		pl.refs[kind] = set
	}

	res := resolver.Resolve(mention, resolver.KindFor(kind), set)
	if res.Normalized == "" {
		return "", nil
	}
	if best, ok := res.Candidates.Accepted(); ok {
		return best.Entity.ID, nil
	}

	ref := &domain.ReferenceEntity{
		ID:             id.MustGenerate(prefix),
		Kind:           kind,
		Name:           strings.TrimSpace(mention),
		NormalizedName: res.Normalized,
		CreatedAt:      pl.now,
	}
	pl.plan.References = append(pl.plan.References, ref)
	pl.refs[kind] = append(set, *ref)
	return ref.ID, nil
}

// candidates merges three lookups: composer and raga, compressed title regardless of
// composer, and title prefix with composer or raga. Krithis created earlier in the item
// are checked against the same rules.
func (pl *planner) candidates(ctx context.Context, compressed string, refs resolved) ([]*domain.Krithi, error) {
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

	for _, ragaID := range refs.ragaIDs {
		ks, err := pl.p.store.FindKrithisByComposerAndRaga(ctx, refs.composerID, ragaID)
		if err != nil {
			return nil, fmt.Errorf("find by composer and raga: %w", err)
		}
		add(ks)
	}

	ks, err := pl.p.store.FindKrithisByCompressedTitle(ctx, compressed)
	if err != nil {
		return nil, fmt.Errorf("find by compressed title: %w", err)
	}
	add(ks)

	prefix := titlePrefix(compressed)
	var firstRaga string
	if len(refs.ragaIDs) > 0 {
		firstRaga = refs.ragaIDs[0]
	}
	ks, err = pl.p.store.FindKrithisByTitlePrefix(ctx, prefix, refs.composerID, firstRaga)
	if err != nil {
		return nil, fmt.Errorf("find by title prefix: %w", err)
	}
	add(ks)

	for _, k := range pl.plan.Krithis {
		sameMeta := k.ComposerID == refs.composerID && sharesRaga(k, refs.ragaIDs)
		samePrefix := prefix != "" && titlePrefix(k.CompressedTitle) == prefix &&
			(k.ComposerID == refs.composerID || sharesRaga(k, refs.ragaIDs))
		if sameMeta || k.CompressedTitle == compressed || samePrefix {
			add([]*domain.Krithi{k})
		}
	}
	return out, nil
}

// pickCandidate returns the best candidate whose title score clears its threshold.
func pickCandidate(title, compressed string, refs resolved, ks []*domain.Krithi) (candidate, bool) {
	var qualifying []candidate
	for _, k := range ks {
		score := max(
			fuzzy.SimilarityRatio(title, k.NormalizedTitle),
			fuzzy.SimilarityRatio(compressed, k.CompressedTitle),
		)
		c := candidate{
			krithi:        k,
			score:         score,
			metadataMatch: k.ComposerID == refs.composerID && sharesRaga(k, refs.ragaIDs),
		}
		threshold := TitleOnlyThreshold
		if c.metadataMatch {
			threshold = MetadataMatchThreshold
		}
		if c.score > threshold {
			qualifying = append(qualifying, c)
		}
	}
	if len(qualifying) == 0 {
		return candidate{}, false
	}

	sort.SliceStable(qualifying, func(i, j int) bool {
		if qualifying[i].score != qualifying[j].score {
			return qualifying[i].score > qualifying[j].score
		}
		return qualifying[i].metadataMatch && !qualifying[j].metadataMatch
	})
	return qualifying[0], true
}

func (pl *planner) match(ctx context.Context, index int, entry *domain.CanonicalExtraction, c candidate) error {
	k := c.krithi
	if err := pl.addVariants(ctx, k.ID, entry); err != nil {
		return err
	}
	if err := pl.addEvidence(index, k.ID, entry); err != nil {
		return err
	}
	pl.matched = append(pl.matched, k.ID)
	pl.plan.Audit = append(pl.plan.Audit, pl.audit(domain.AuditKrithiMatched, k.ID, map[string]any{
		"entry_index":    index,
		"score":          c.score,
		"metadata_match": c.metadataMatch,
	}))
	return nil
}

func (pl *planner) create(ctx context.Context, index int, entry *domain.CanonicalExtraction, title, compressed string, refs resolved) error {
	k := &domain.Krithi{
		ID:              id.MustGenerate(id.Krithi),
		Title:           strings.TrimSpace(entry.Title),
		NormalizedTitle: title,
		CompressedTitle: compressed,
		ComposerID:      refs.composerID,
		RagaIDs:         refs.ragaIDs,
		TalaID:          refs.talaID,
		DeityID:         refs.deityID,
		Sections:        canonicalSections(entry.Sections),
		CreatedAt:       pl.now,
		UpdatedAt:       pl.now,
	}
	pl.plan.Krithis = append(pl.plan.Krithis, k)
	pl.variants[k.ID] = make(map[string]bool)

	if err := pl.addVariants(ctx, k.ID, entry); err != nil {
		return err
	}
	if err := pl.addEvidence(index, k.ID, entry); err != nil {
		return err
	}
	pl.plan.Audit = append(pl.plan.Audit, pl.audit(domain.AuditKrithiCreated, k.ID, map[string]any{
		"entry_index": index,
		"title":       k.Title,
	}))
	return nil
}

// addVariants queues the entry's lyric variants whose language and script the krithi lacks.
func (pl *planner) addVariants(ctx context.Context, krithiID string, entry *domain.CanonicalExtraction) error {
	present, ok := pl.variants[krithiID]
	if !ok {
		stored, err := pl.p.store.ListLyricVariants(ctx, krithiID)
		if err != nil {
			return fmt.Errorf("list lyric variants: %w", err)
		}
		present = make(map[string]bool, len(stored))
		for _, v := range stored {
			present[variantKey(v.Language, v.Script)] = true
		}
		pl.variants[krithiID] = present
	}

	for _, lv := range entry.LyricVariants {
		key := variantKey(lv.Language, lv.Script)
		if present[key] {
			continue
		}
		present[key] = true
		pl.plan.LyricVariants = append(pl.plan.LyricVariants, &domain.LyricVariant{
			ID:        id.MustGenerate(id.LyricVariant),
			KrithiID:  krithiID,
			Language:  lv.Language,
			Script:    lv.Script,
			Sections:  lv.Sections,
			SourceURL: pl.sourceURL(entry),
			CreatedAt: pl.now,
		})
	}
	return nil
}

func (pl *planner) addEvidence(index int, krithiID string, entry *domain.CanonicalExtraction) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode extraction: %w", err)
	}
	pl.plan.Evidence = append(pl.plan.Evidence, &domain.SourceEvidence{
		ID:                id.MustGenerate(id.Evidence),
		KrithiID:          krithiID,
		ExtractionItemID:  pl.item.ID,
		EntryIndex:        index,
		SourceName:        entry.Source.Name,
		SourceTier:        entry.Source.Tier,
		SourceURL:         pl.sourceURL(entry),
		Method:            entry.Source.Method,
		Checksum:          entry.Source.Checksum,
		ContributedFields: domain.ContributedFieldsOf(entry),
		RawExtraction:     string(raw),
		CreatedAt:         pl.now,
	})
	return nil
}

func (pl *planner) sourceURL(entry *domain.CanonicalExtraction) string {
	if entry.Source.URL != "" {
		return entry.Source.URL
	}
	return pl.item.SourceURL
}

func (pl *planner) audit(action, krithiID string, metadata map[string]any) *domain.AuditEntry {
	metadata["extraction_id"] = pl.item.ID
	return &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      action,
		EntityTable: "krithis",
		EntityID:    krithiID,
		Actor:       domain.SystemActor,
		Metadata:    metadata,
		CreatedAt:   pl.now,
	}
}

// finish appends the item's own audit entry and returns the plan.
func (pl *planner) finish(metadata map[string]any) store.IngestionPlan {
	pl.plan.Audit = append(pl.plan.Audit, pl.p.ingestedAudit(pl.item, pl.now, metadata))
	return pl.plan
}

// canonicalSections orders sections and numbers them from 1.
func canonicalSections(sections []domain.Section) []domain.Section {
	out := slices.Clone(sections)
	slices.SortStableFunc(out, func(a, b domain.Section) int { return a.Order - b.Order })
	for i := range out {
		out[i].Order = i + 1
	}
	return out
}

func sharesRaga(k *domain.Krithi, ragaIDs []string) bool {
	for _, r := range ragaIDs {
		if k.HasRaga(r) {
			return true
		}
	}
	return false
}

func titlePrefix(compressed string) string {
	r := []rune(compressed)
	if len(r) > titlePrefixLen {
		r = r[:titlePrefixLen]
	}
	return string(r)
}

func variantKey(language, script string) string {
	return strings.ToLower(language) + "/" + strings.ToLower(script)
}
