package domain

import (
	"strings"
	"time"
)

// ExtractionStatus is the lifecycle of an external extraction request.
type ExtractionStatus string

const (
	ExtractionStatusPending    ExtractionStatus = "PENDING"
	ExtractionStatusProcessing ExtractionStatus = "PROCESSING"
	ExtractionStatusDone       ExtractionStatus = "DONE"
	ExtractionStatusFailed     ExtractionStatus = "FAILED"
	ExtractionStatusIngested   ExtractionStatus = "INGESTED"
	ExtractionStatusCancelled  ExtractionStatus = "CANCELLED"
)

// ExtractionIntent says what the result of an extraction is used for.
type ExtractionIntent string

const (
	// IntentPrimary results create or match canonical krithis.
	IntentPrimary ExtractionIntent = "PRIMARY"
	// IntentEnrich results add language variants to krithis produced by a related PRIMARY item.
	IntentEnrich ExtractionIntent = "ENRICH"
)

// SourceFormat is the content type handed to the extractor.
type SourceFormat string

const (
	SourceFormatHTML SourceFormat = "HTML"
	SourceFormatPDF  SourceFormat = "PDF"
	SourceFormatText SourceFormat = "TEXT"
)

// ExtractionQueueItem pairs an extraction request with its result.
type ExtractionQueueItem struct {
	ID            string           `json:"id"`
	BatchID       string           `json:"batch_id,omitempty"`
	SubmissionID  string           `json:"submission_id,omitempty"`
	SourceURL     string           `json:"source_url"`
	Format        SourceFormat     `json:"format"`
	Intent        ExtractionIntent `json:"intent"`
	RelatedItemID string           `json:"related_item_id,omitempty"`
	Content       string           `json:"content,omitempty"`
	ResultPayload string           `json:"result_payload,omitempty"`
	Status        ExtractionStatus `json:"status"`
	Error         string           `json:"error,omitempty"`
	Attempts      int              `json:"attempts"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	IngestedAt  *time.Time `json:"ingested_at,omitempty"`
}

// ExtractionMethod is how a source's text was obtained.
type ExtractionMethod string

const (
	MethodHTMLScrape ExtractionMethod = "HTML_SCRAPE"
	MethodPDFText    ExtractionMethod = "PDF_TEXT"
	MethodPDFOCR     ExtractionMethod = "PDF_OCR"
	MethodManual     ExtractionMethod = "MANUAL"
	MethodLLM        ExtractionMethod = "LLM"
)

// SectionType names a structural part of a krithi.
type SectionType string

const (
	SectionPallavi          SectionType = "PALLAVI"
	SectionAnupallavi       SectionType = "ANUPALLAVI"
	SectionCharanam         SectionType = "CHARANAM"
	SectionSamashtiCharanam SectionType = "SAMASHTI_CHARANAM"
	SectionChittaswaram     SectionType = "CHITTASWARAM"
	SectionMadhyamaKala     SectionType = "MADHYAMA_KALA"
	SectionSwaraSahitya     SectionType = "SWARA_SAHITYA"
	SectionOther            SectionType = "OTHER"
)

// Section is one entry of a krithi's ordered structure.
type Section struct {
	Type  SectionType `json:"type" validate:"required"`
	Order int         `json:"order" validate:"gte=1"`
	Label string      `json:"label,omitempty"`
}

// StructureKey renders the ordered section types as a comparable key, e.g. "PALLAVI|CHARANAM".
func StructureKey(sections []Section) string {
	types := make([]string, len(sections))
	for i, s := range sections {
		types[i] = string(s.Type)
	}
	return strings.Join(types, "|")
}

// RagaRef names a raga as written by the source.
type RagaRef struct {
	Name string `json:"name" validate:"required"`
}

// LyricSectionText is the text of one section in one variant.
type LyricSectionText struct {
	SectionOrder int    `json:"sectionOrder" validate:"gte=1"`
	Text         string `json:"text"`
}

// LyricVariantText is a language/script rendering of a krithi's lyrics.
type LyricVariantText struct {
	Language string             `json:"language" validate:"required"`
	Script   string             `json:"script,omitempty"`
	Sections []LyricSectionText `json:"sections" validate:"dive"`
}

// ExtractionSource is the provenance of one extraction entry.
type ExtractionSource struct {
	URL       string           `json:"url,omitempty"`
	Name      string           `json:"name" validate:"required"`
	Tier      int              `json:"tier" validate:"gte=1,lte=5"`
	Method    ExtractionMethod `json:"method" validate:"required,oneof=HTML_SCRAPE PDF_TEXT PDF_OCR MANUAL LLM"`
	PageRange string           `json:"pageRange,omitempty"`
	Checksum  string           `json:"checksum,omitempty"`
}

// CanonicalExtraction is one structured record parsed from an extraction result.
type CanonicalExtraction struct {
	Title          string             `json:"title" validate:"required"`
	AlternateTitle string             `json:"alternateTitle,omitempty"`
	Composer       string             `json:"composer"`
	Ragas          []RagaRef          `json:"ragas" validate:"dive"`
	Tala           string             `json:"tala,omitempty"`
	Deity          string             `json:"deity,omitempty"`
	Sections       []Section          `json:"sections" validate:"dive"`
	LyricVariants  []LyricVariantText `json:"lyricVariants" validate:"dive"`
	Source         ExtractionSource   `json:"source"`
}

// RagaNames returns the non-empty raga names in order.
func (e *CanonicalExtraction) RagaNames() []string {
	names := make([]string, 0, len(e.Ragas))
	for _, r := range e.Ragas {
		if n := strings.TrimSpace(r.Name); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// PrimaryRaga returns the first raga name or "".
func (e *CanonicalExtraction) PrimaryRaga() string {
	if names := e.RagaNames(); len(names) > 0 {
		return names[0]
	}
	return ""
}
