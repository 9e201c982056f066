package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the state of a task. Jobs reuse the same set.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSucceeded TaskStatus = "SUCCEEDED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusRetryable TaskStatus = "RETRYABLE"
	TaskStatusBlocked   TaskStatus = "BLOCKED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status ends the task. RETRYABLE is not terminal.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusBlocked, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Counted reports whether reaching this status adds to the batch's processed counter.
func (s TaskStatus) Counted() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusBlocked
}

// TaskError is the structured error payload stored on a failed task.
type TaskError struct {
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// NewTaskError builds a TaskError from err with optional context pairs.
func NewTaskError(err error, context map[string]any) *TaskError {
	if err == nil {
		return nil
	}
	return &TaskError{Message: err.Error(), Context: context}
}

// Task is the atomic unit a worker claims and executes.
type Task struct {
	ID        string            `json:"id"`
	JobID     string            `json:"job_id"`
	BatchID   string            `json:"batch_id"`
	JobType   JobType           `json:"job_type"`
	WorkKey   string            `json:"work_key"`
	SourceURL string            `json:"source_url,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Status    TaskStatus    `json:"status"`
	Attempt   int           `json:"attempt"`
	Error     *TaskError    `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	ClaimedBy string        `json:"claimed_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Exhausted reports whether the task has used more attempts than allowed.
func (t *Task) Exhausted(maxAttempts int) bool {
	return t.Attempt > maxAttempts
}

// MetadataJSON encodes the task metadata for storage.
func (t *Task) MetadataJSON() (string, error) {
	if len(t.Metadata) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(t.Metadata)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Task metadata keys written by manifest expansion.
const (
	TaskMetaTitle    = "title"
	TaskMetaRaga     = "raga"
	TaskMetaRow      = "row"
	TaskMetaComposer = "composer"
)
