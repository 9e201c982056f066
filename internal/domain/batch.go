package domain

import "time"

// BatchStatus represents the lifecycle state of an ingestion batch.
type BatchStatus string

const (
	BatchStatusPending   BatchStatus = "PENDING"
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusPaused    BatchStatus = "PAUSED"
	BatchStatusSucceeded BatchStatus = "SUCCEEDED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are expected.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchStatusSucceeded, BatchStatusFailed, BatchStatusCancelled:
		return true
	default:
		return false
	}
}

// Batch is one submitted unit of bulk ingestion work, typically a single manifest.
//
// Counters only track SCRAPE tasks. ProcessedTasks never exceeds TotalTasks and the
// batch leaves RUNNING for a terminal status only once ProcessedTasks == TotalTasks.
type Batch struct {
	ID             string      `json:"id"`
	SourceManifest string      `json:"source_manifest"`
	Status         BatchStatus `json:"status"`

	TotalTasks     int `json:"total_tasks"`
	ProcessedTasks int `json:"processed_tasks"`
	SucceededTasks int `json:"succeeded_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	BlockedTasks   int `json:"blocked_tasks"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Remaining returns how many tasks have not reached a terminal status yet.
func (b *Batch) Remaining() int {
	return b.TotalTasks - b.ProcessedTasks
}

// CompletionStatus is the terminal status the batch takes once every task is processed.
func (b *Batch) CompletionStatus() BatchStatus {
	if b.FailedTasks == 0 && b.BlockedTasks == 0 {
		return BatchStatusSucceeded
	}
	return BatchStatusFailed
}
