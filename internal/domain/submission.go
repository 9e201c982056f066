package domain

import "time"

// SubmissionStatus tracks an imported page through dedup and extraction.
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "PENDING"
	SubmissionExtracting SubmissionStatus = "EXTRACTING"
	SubmissionMerged     SubmissionStatus = "MERGED"
	SubmissionDuplicate  SubmissionStatus = "DUPLICATE"
)

// DuplicateSource says where a duplicate candidate was found.
type DuplicateSource string

const (
	DuplicateFromCatalog    DuplicateSource = "CATALOG"
	DuplicateFromSubmission DuplicateSource = "SUBMISSION"
)

// DuplicateCandidate is one possible duplicate of a submission.
type DuplicateCandidate struct {
	Source     DuplicateSource `json:"source"`
	EntityID   string          `json:"entity_id"`
	Title      string          `json:"title"`
	Score      int             `json:"score"`
	Confidence ConfidenceTier  `json:"confidence"`
}

// ImportSubmission is a scraped page awaiting reconciliation.
type ImportSubmission struct {
	ID              string               `json:"id"`
	BatchID         string               `json:"batch_id"`
	TaskID          string               `json:"task_id,omitempty"`
	SourceURL       string               `json:"source_url"`
	RawTitle        string               `json:"raw_title"`
	RawRaga         string               `json:"raw_raga,omitempty"`
	RawComposer     string               `json:"raw_composer,omitempty"`
	NormalizedTitle string               `json:"normalized_title"`
	ContentMarkdown string               `json:"content_markdown,omitempty"`
	Checksum        string               `json:"checksum"`
	Status          SubmissionStatus     `json:"status"`
	Duplicates      []DuplicateCandidate `json:"duplicates,omitempty"`
	ExtractionID    string               `json:"extraction_id,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}
