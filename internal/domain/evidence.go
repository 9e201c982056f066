package domain

import "time"

// AuthorityTierMax is the weakest source tier still treated as authoritative.
const AuthorityTierMax = 2

// Contributed field names recorded on evidence.
const (
	FieldTitle         = "title"
	FieldComposer      = "composer"
	FieldRaga          = "raga"
	FieldTala          = "tala"
	FieldDeity         = "deity"
	FieldSections      = "sections"
	FieldLyricVariants = "lyric_variants"
)

// SourceEvidence links a krithi to an extraction entry that contributed to it.
type SourceEvidence struct {
	ID                string           `json:"id"`
	KrithiID          string           `json:"krithi_id"`
	ExtractionItemID  string           `json:"extraction_item_id"`
	EntryIndex        int              `json:"entry_index"`
	SourceName        string           `json:"source_name"`
	SourceTier        int              `json:"source_tier"`
	SourceURL         string           `json:"source_url,omitempty"`
	Method            ExtractionMethod `json:"method"`
	Checksum          string           `json:"checksum,omitempty"`
	ContributedFields []string         `json:"contributed_fields"`
	RawExtraction     string           `json:"raw_extraction"`
	CreatedAt         time.Time        `json:"created_at"`
}

// IsAuthority reports whether the source tier is authoritative (1 is the strongest).
func (e *SourceEvidence) IsAuthority() bool {
	return e.SourceTier >= 1 && e.SourceTier <= AuthorityTierMax
}

// ContributedFieldsOf lists the fields an extraction entry carries.
func ContributedFieldsOf(e *CanonicalExtraction) []string {
	fields := []string{FieldTitle}
	if e.Composer != "" {
		fields = append(fields, FieldComposer)
	}
	if len(e.RagaNames()) > 0 {
		fields = append(fields, FieldRaga)
	}
	if e.Tala != "" {
		fields = append(fields, FieldTala)
	}
	if e.Deity != "" {
		fields = append(fields, FieldDeity)
	}
	if len(e.Sections) > 0 {
		fields = append(fields, FieldSections)
	}
	if len(e.LyricVariants) > 0 {
		fields = append(fields, FieldLyricVariants)
	}
	return fields
}
