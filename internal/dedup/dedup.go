// Package dedup finds likely duplicates of an imported submission in the catalog and
// among the submissions still pending in the same batch.
package dedup

import (
	"context"
	"fmt"
	"sort"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/fuzzy"
)

const (
	// MaxCandidates bounds the result of FindDuplicates.
	MaxCandidates = 20
	// submissionThreshold is the exclusive ratio above which two pending titles are duplicates.
	submissionThreshold = 90
)

// Catalog is the read side the deduplicator needs.
type Catalog interface {
	FindKrithisByNormalizedTitle(ctx context.Context, title string) ([]*domain.Krithi, error)
	ListPendingSubmissions(ctx context.Context, batchID string) ([]*domain.ImportSubmission, error)
}

// Query describes the submission being checked.
type Query struct {
	// SubmissionID is excluded from the pending phase. Empty for a submission not yet stored.
	SubmissionID    string
	BatchID         string
	NormalizedTitle string
	// ComposerID and RagaID, when resolved, narrow catalog hits.
	ComposerID string
	RagaID     string
}

// Deduplicator runs duplicate detection against a catalog.
type Deduplicator struct {
	catalog Catalog
}

// New creates a Deduplicator.
func New(catalog Catalog) *Deduplicator {
	return &Deduplicator{catalog: catalog}
}

// FindDuplicates returns catalog hits (HIGH) followed by pending-submission hits (MEDIUM),
// best first within each group, at most MaxCandidates in total.
func (d *Deduplicator) FindDuplicates(ctx context.Context, q Query) ([]domain.DuplicateCandidate, error) {
	if q.NormalizedTitle == "" {
		return nil, nil
	}

	catalogHits, err := d.catalogPhase(ctx, q)
	if err != nil {
		return nil, err
	}
	pendingHits, err := d.pendingPhase(ctx, q)
	if err != nil {
		return nil, err
	}

	out := append(catalogHits, pendingHits...)
	if len(out) > MaxCandidates {
		out = out[:MaxCandidates]
	}
	return out, nil
}

func (d *Deduplicator) catalogPhase(ctx context.Context, q Query) ([]domain.DuplicateCandidate, error) {
	krithis, err := d.catalog.FindKrithisByNormalizedTitle(ctx, q.NormalizedTitle)
	if err != nil {
		return nil, fmt.Errorf("catalog lookup: %w", err)
	}

	var hits []domain.DuplicateCandidate
	for _, k := range krithis {
		if q.ComposerID != "" && k.ComposerID != q.ComposerID {
			continue
		}
		if q.RagaID != "" && !k.HasRaga(q.RagaID) {
			continue
		}
		hits = append(hits, domain.DuplicateCandidate{
			Source:     domain.DuplicateFromCatalog,
			EntityID:   k.ID,
			Title:      k.Title,
			Score:      100,
			Confidence: domain.ConfidenceHigh,
		})
	}
	return hits, nil
}

func (d *Deduplicator) pendingPhase(ctx context.Context, q Query) ([]domain.DuplicateCandidate, error) {
	if q.BatchID == "" {
		return nil, nil
	}
	pending, err := d.catalog.ListPendingSubmissions(ctx, q.BatchID)
	if err != nil {
		return nil, fmt.Errorf("pending submissions: %w", err)
	}

	var hits []domain.DuplicateCandidate
	for _, sub := range pending {
		if sub.ID == q.SubmissionID {
			continue
		}
		score := fuzzy.SimilarityRatio(q.NormalizedTitle, sub.NormalizedTitle)
		if sub.NormalizedTitle != q.NormalizedTitle && score <= submissionThreshold {
			continue
		}
		hits = append(hits, domain.DuplicateCandidate{
			Source:     domain.DuplicateFromSubmission,
			EntityID:   sub.ID,
			Title:      sub.RawTitle,
			Score:      score,
			Confidence: domain.ConfidenceMedium,
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].EntityID < hits[j].EntityID
	})
	return hits, nil
}

// HasCatalogMatch reports whether any candidate is a HIGH catalog hit.
func HasCatalogMatch(candidates []domain.DuplicateCandidate) bool {
	for _, c := range candidates {
		if c.Source == domain.DuplicateFromCatalog && c.Confidence == domain.ConfidenceHigh {
			return true
		}
	}
	return false
}
