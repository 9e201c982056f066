// Package resolver ranks canonical reference entities against a free-text mention.
package resolver

import (
	"sort"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/fuzzy"
	"github.com/krithibase/krithibase-server/internal/normalize"
)

const (
	// MinScore is the exclusive lower bound; candidates at or below it are discarded.
	MinScore = 50
	// MaxCandidates bounds the ranked result.
	MaxCandidates = 5
)

// Candidate is a scored reference entity.
type Candidate struct {
	Entity domain.ReferenceEntity `json:"entity"`
	Score  int                    `json:"score"`
	Tier   domain.ConfidenceTier  `json:"tier"`
}

// Candidates is a ranked list, best first. An empty list means no match.
type Candidates []Candidate

// Best returns the top candidate.
func (c Candidates) Best() (Candidate, bool) {
	if len(c) == 0 {
		return Candidate{}, false
	}
	return c[0], true
}

// Accepted returns the top candidate only when it is HIGH confidence.
func (c Candidates) Accepted() (Candidate, bool) {
	best, ok := c.Best()
	if !ok || best.Tier != domain.ConfidenceHigh {
		return Candidate{}, false
	}
	return best, true
}

// Resolution is the outcome of resolving one mention.
type Resolution struct {
	Mention    string
	Normalized string
	Kind       normalize.Kind
	Candidates Candidates
}

// Matched reports whether a HIGH confidence candidate exists.
func (r Resolution) Matched() bool {
	_, ok := r.Candidates.Accepted()
	return ok
}

// Resolve scores every entity in set against mention after normalizing both by kind.
// It never fails: no qualifying entity yields an empty Candidates.
func Resolve(mention string, kind normalize.Kind, set []domain.ReferenceEntity) Resolution {
	normalized := normalize.Normalize(mention, kind)
	res := Resolution{Mention: mention, Normalized: normalized, Kind: kind}
	if normalized == "" {
		return res
	}

	var candidates Candidates
	for _, entity := range set {
		name := entity.NormalizedName
		if name == "" {
			name = normalize.Normalize(entity.Name, kind)
		}
		score := fuzzy.SimilarityRatio(normalized, name)
		if score <= MinScore {
			continue
		}
		candidates = append(candidates, Candidate{Entity: entity, Score: score, Tier: fuzzy.Tier(score)})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Entity.Name < candidates[j].Entity.Name
	})

	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}
	res.Candidates = candidates
	return res
}

// KindFor maps a reference kind to the normalization rules used for it.
func KindFor(kind domain.ReferenceKind) normalize.Kind {
	switch kind {
	case domain.ReferenceComposer:
		return normalize.KindComposer
	case domain.ReferenceRaga:
		return normalize.KindRaga
	case domain.ReferenceTala:
		return normalize.KindTala
	default:
		return normalize.KindDeity
	}
}
