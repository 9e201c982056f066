// Package variant scores enrichment extractions (new language renderings of known krithis)
// against catalog candidates and attaches confident matches as lyric variants.
package variant

import (
	"math"

	"github.com/krithibase/krithibase-server/internal/domain"
)

// Signal weights of the composite confidence.
const (
	WeightTitle        = 0.50
	WeightRagaTala     = 0.30
	WeightPagePosition = 0.20
)

// Tier thresholds on the composite confidence.
const (
	HighThreshold   = 0.85
	MediumThreshold = 0.50
)

// Page-position signal values.
const (
	PositionLinked    = 1.0 // candidate came out of the related PRIMARY extraction
	PositionUnknown   = 0.5 // nothing to compare against
	PositionUnrelated = 0.0 // related extraction exists but did not produce this candidate
)

// Signals are the independent scores of one candidate, each in [0,1].
type Signals struct {
	Title        float64 `json:"title"`
	RagaTala     float64 `json:"raga_tala"`
	PagePosition float64 `json:"page_position"`
}

// Composite is the weighted sum of the signals, rounded to four decimals so tier
// boundaries are not subject to float noise.
func (s Signals) Composite() float64 {
	c := WeightTitle*s.Title + WeightRagaTala*s.RagaTala + WeightPagePosition*s.PagePosition
	return math.Round(c*10000) / 10000
}

// TierFor buckets a composite confidence.
func TierFor(confidence float64) domain.ConfidenceTier {
	switch {
	case confidence >= HighThreshold:
		return domain.ConfidenceHigh
	case confidence >= MediumThreshold:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// StatusFor is the initial review status of a match in the given tier.
func StatusFor(tier domain.ConfidenceTier) domain.VariantMatchStatus {
	if tier == domain.ConfidenceHigh {
		return domain.VariantMatchAutoApproved
	}
	return domain.VariantMatchPending
}

// AverageAvailable averages the sub-scores that had inputs on both sides. With none it is 0.
func AverageAvailable(scores ...*float64) float64 {
	var (
		sum float64
		n   int
	)
	for _, s := range scores {
		if s == nil {
			continue
		}
		sum += *s
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// PagePosition scores a candidate against the krithis produced by the related PRIMARY item.
func PagePosition(candidateID string, related map[string]bool) float64 {
	if len(related) == 0 {
		return PositionUnknown
	}
	if related[candidateID] {
		return PositionLinked
	}
	return PositionUnrelated
}

// StructureMismatch reports differing section counts when both sides have sections.
func StructureMismatch(extracted, stored []domain.Section) bool {
	return len(extracted) > 0 && len(stored) > 0 && len(extracted) != len(stored)
}
