package domain

import "time"

// Krithi is the reconciled catalog record for one composition.
type Krithi struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	NormalizedTitle string    `json:"normalized_title"`
	CompressedTitle string    `json:"compressed_title"`
	ComposerID      string    `json:"composer_id"`
	RagaIDs         []string  `json:"raga_ids"`
	TalaID          string    `json:"tala_id,omitempty"`
	DeityID         string    `json:"deity_id,omitempty"`
	Sections        []Section `json:"sections"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRaga reports whether ragaID is among the krithi's ragas.
func (k *Krithi) HasRaga(ragaID string) bool {
	for _, id := range k.RagaIDs {
		if id == ragaID {
			return true
		}
	}
	return false
}

// LyricVariant is one language rendering attached to a krithi.
type LyricVariant struct {
	ID        string             `json:"id"`
	KrithiID  string             `json:"krithi_id"`
	Language  string             `json:"language"`
	Script    string             `json:"script,omitempty"`
	Sections  []LyricSectionText `json:"sections"`
	SourceURL string             `json:"source_url,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
}
