// Package search keeps a Bleve index of krithi titles. Dedup and variant matching use it to
// find title candidates that exact normalized-title lookups miss.
package search

import (
	"github.com/krithibase/krithibase-server/internal/domain"
)

// KrithiDocument is the indexed form of a krithi.
//
// The title field is indexed from the normalized title for fuzzy term matching;
// NormalizedTitle and CompressedTitle are single keywords for exact and prefix lookups.
type KrithiDocument struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	NormalizedTitle string   `json:"normalized_title"`
	CompressedTitle string   `json:"compressed_title"`
	ComposerID      string   `json:"composer_id,omitempty"`
	RagaIDs         []string `json:"raga_ids,omitempty"`
}

// ToMap converts the document to a map whose keys match the index mapping.
func (d *KrithiDocument) ToMap() map[string]any {
	title := d.NormalizedTitle
	if title == "" {
		title = d.Title
	}
	m := map[string]any{
		"id":               d.ID,
		"title":            title,
		"normalized_title": d.NormalizedTitle,
		"compressed_title": d.CompressedTitle,
	}
	if d.ComposerID != "" {
		m["composer_id"] = d.ComposerID
	}
	if len(d.RagaIDs) > 0 {
		m["raga_ids"] = d.RagaIDs
	}
	return m
}

// KrithiToDocument converts a krithi for indexing.
func KrithiToDocument(k *domain.Krithi) *KrithiDocument {
	return &KrithiDocument{
		ID:              k.ID,
		Title:           k.Title,
		NormalizedTitle: k.NormalizedTitle,
		CompressedTitle: k.CompressedTitle,
		ComposerID:      k.ComposerID,
		RagaIDs:         k.RagaIDs,
	}
}
