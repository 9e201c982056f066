package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/normalize"
)

// DefaultLimit bounds a title search when the caller passes no limit.
const DefaultLimit = 20

// Hit is one title search result.
type Hit struct {
	ID              string  `json:"id"`
	NormalizedTitle string  `json:"normalized_title"`
	Score           float64 `json:"score"`
}

// SearchTitles finds krithis whose title resembles normalizedTitle: exact and compressed
// keyword matches rank first, then fuzzy word matches. A non-empty composerID restricts
// the result to that composer.
func (s *TitleIndex) SearchTitles(ctx context.Context, normalizedTitle, composerID string, limit int) ([]Hit, error) {
	if normalizedTitle == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	req := bleve.NewSearchRequestOptions(buildTitleQuery(normalizedTitle, composerID), limit, 0, false)
	req.Fields = []string{"normalized_title"}

	result, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search titles: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["normalized_title"].(string); ok {
			hit.NormalizedTitle = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func buildTitleQuery(normalizedTitle, composerID string) query.Query {
	exact := bleve.NewTermQuery(normalizedTitle)
	exact.SetField("normalized_title")
	exact.SetBoost(4.0)

	compressed := bleve.NewTermQuery(normalize.Compress(normalizedTitle))
	compressed.SetField("compressed_title")
	compressed.SetBoost(3.0)

	fuzzy := bleve.NewMatchQuery(normalizedTitle)
	fuzzy.SetField("title")
	fuzzy.SetFuzziness(1)

	var title query.Query = bleve.NewDisjunctionQuery(exact, compressed, fuzzy)
	if composerID == "" {
		return title
	}

	composer := bleve.NewTermQuery(composerID)
	composer.SetField("composer_id")
	return bleve.NewConjunctionQuery(title, composer)
}

// KrithiLister pages through the catalog in id order.
type KrithiLister interface {
	ListKrithis(ctx context.Context, afterID string, limit int) ([]*domain.Krithi, error)
}

// Reindex rebuilds the index from the catalog and returns the number of krithis indexed.
func (s *TitleIndex) Reindex(ctx context.Context, src KrithiLister) (int, error) {
	if err := s.Rebuild(); err != nil {
		return 0, err
	}

	const pageSize = 500
	var (
		after string
		total int
	)
	for {
		page, err := src.ListKrithis(ctx, after, pageSize)
		if err != nil {
			return total, fmt.Errorf("list krithis: %w", err)
		}
		if len(page) == 0 {
			break
		}

		docs := make([]*KrithiDocument, len(page))
		for i, k := range page {
			docs[i] = KrithiToDocument(k)
		}
		if err := s.IndexDocuments(docs); err != nil {
			return total, err
		}
		total += len(page)
		after = page[len(page)-1].ID

		if len(page) < pageSize {
			break
		}
	}

	s.logger.Info("title index rebuilt from catalog", slog.Int("krithis", total))
	return total, nil
}
