package store

import (
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
)

// TaskOutcome is the result a worker reports for a RUNNING task.
type TaskOutcome struct {
	TaskID   string
	Status   domain.TaskStatus
	Error    *domain.TaskError
	Duration time.Duration
	At       time.Time
	// FailJob also fails the task's job. Set for tasks that ran out of attempts.
	FailJob bool
}

// TaskCompletion describes what a reported outcome changed.
type TaskCompletion struct {
	// Applied is false when the task was no longer RUNNING, e.g. cancelled or reaped meanwhile.
	Applied bool
	// Counted is true when the batch counters were incremented.
	Counted bool
	// BatchCompleted is true for exactly one completion per batch: the one that moved it to
	// a terminal status.
	BatchCompleted bool
	BatchStatus    domain.BatchStatus
}

// ManifestExpansion is everything a successful manifest task writes in one transaction.
type ManifestExpansion struct {
	ManifestTask *domain.Task
	ScrapeJob    *domain.Job
	Tasks        []*domain.Task
	Duration     time.Duration
	Audit        *domain.AuditEntry
	At           time.Time
}

// ReapResult summarizes a reaper pass.
type ReapResult struct {
	Requeued         int
	Failed           int
	CompletedBatches []string
}

// RetryResult summarizes a batch retry.
type RetryResult struct {
	Requeued int `json:"requeued"`
	Skipped  int `json:"skipped"`
}

// IngestionPlan is the full write set for one PRIMARY extraction item. It is applied
// atomically together with the item's DONE -> INGESTED transition.
type IngestionPlan struct {
	ItemID        string
	References    []*domain.ReferenceEntity
	Krithis       []*domain.Krithi
	LyricVariants []*domain.LyricVariant
	Evidence      []*domain.SourceEvidence
	Audit         []*domain.AuditEntry
	At            time.Time
}

// VariantWrite persists a variant match. Variants and Evidence are set when the match is approved.
type VariantWrite struct {
	Match    *domain.VariantMatch
	Variants []*domain.LyricVariant
	Evidence *domain.SourceEvidence
	Audit    *domain.AuditEntry
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	BatchID string
	Status  domain.TaskStatus
	Limit   int
}
