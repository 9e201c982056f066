package domain

import "time"

// VariantMatchStatus is the review state of a variant match.
type VariantMatchStatus string

const (
	VariantMatchAutoApproved VariantMatchStatus = "AUTO_APPROVED"
	VariantMatchPending      VariantMatchStatus = "PENDING"
	VariantMatchApproved     VariantMatchStatus = "APPROVED"
	VariantMatchRejected     VariantMatchStatus = "REJECTED"
)

// ReviewDecision is an operator's verdict on a PENDING match.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "APPROVE"
	ReviewReject  ReviewDecision = "REJECT"
)

// VariantMatch scores an enrichment entry against a candidate krithi.
type VariantMatch struct {
	ID                string             `json:"id"`
	EnrichItemID      string             `json:"enrich_item_id"`
	RelatedItemID     string             `json:"related_item_id,omitempty"`
	EntryIndex        int                `json:"entry_index"`
	KrithiID          string             `json:"krithi_id"`
	TitleScore        float64            `json:"title_score"`
	RagaTalaScore     float64            `json:"raga_tala_score"`
	PagePositionScore float64            `json:"page_position_score"`
	Confidence        float64            `json:"confidence"`
	Tier              ConfidenceTier     `json:"tier"`
	Status            VariantMatchStatus `json:"status"`
	IsAnomaly         bool               `json:"is_anomaly"`
	StructureMismatch bool               `json:"structure_mismatch"`
	ExtractionJSON    string             `json:"extraction_json"`
	Reviewer          string             `json:"reviewer,omitempty"`
	ReviewedAt        *time.Time         `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
}
