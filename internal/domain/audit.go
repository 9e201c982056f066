package domain

import "time"

// Audit actions appended by the pipeline.
const (
	AuditBatchSubmitted      = "BATCH_SUBMITTED"
	AuditBatchCompleted      = "BATCH_COMPLETED"
	AuditBatchCancelled      = "BATCH_CANCELLED"
	AuditBatchPaused         = "BATCH_PAUSED"
	AuditBatchResumed        = "BATCH_RESUMED"
	AuditBatchRetried        = "BATCH_RETRIED"
	AuditManifestExpanded    = "MANIFEST_EXPANDED"
	AuditManifestFailed      = "MANIFEST_FAILED"
	AuditKrithiCreated       = "KRITHI_CREATED"
	AuditKrithiMatched       = "KRITHI_MATCHED"
	AuditExtractionIngested  = "EXTRACTION_INGESTED"
	AuditVotingRecomputed    = "VOTING_RECOMPUTED"
	AuditVariantAutoApproved = "VARIANT_AUTO_APPROVED"
	AuditVariantReviewed     = "VARIANT_REVIEWED"
	AuditSubmissionImported  = "SUBMISSION_IMPORTED"
)

// SystemActor is recorded when no operator triggered the change.
const SystemActor = "system"

// AuditEntry is an append-only record of a meaningful state change.
type AuditEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityTable string         `json:"entity_table"`
	EntityID    string         `json:"entity_id"`
	Actor       string         `json:"actor,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
