// Package fuzzy scores string similarity for entity resolution and deduplication.
//
// Scores are integers in [0,100] and deterministic; downstream thresholds
// compare against exact values.
package fuzzy

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/krithibase/krithibase-server/internal/domain"
)

// Tier thresholds on the 0-100 scale.
const (
	HighThreshold   = 90
	MediumThreshold = 70
)

// SimilarityRatio returns round((1 - lev(a,b)/max(len(a),len(b))) * 100), with
// lengths counted in runes. Two empty strings are identical (100).
func SimilarityRatio(a, b string) int {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 100
	}
	if a == b {
		return 100
	}

	distance := levenshtein.ComputeDistance(a, b)
	ratio := 1 - float64(distance)/float64(longest)
	return int(math.Round(ratio * 100))
}

// Tier buckets a 0-100 score.
func Tier(score int) domain.ConfidenceTier {
	switch {
	case score >= HighThreshold:
		return domain.ConfidenceHigh
	case score >= MediumThreshold:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

// BestRatio returns the highest SimilarityRatio of a against any of bs, or 0 for none.
func BestRatio(a string, bs ...string) int {
	best := 0
	for _, b := range bs {
		if r := SimilarityRatio(a, b); r > best {
			best = r
		}
	}
	return best
}
