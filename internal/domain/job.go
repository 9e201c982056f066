package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/validation"
)

// JobType identifies what a job does. Each type has its own payload variant.
type JobType string

const (
	JobTypeManifestIngest JobType = "MANIFEST_INGEST"
	JobTypeScrape         JobType = "SCRAPE"
)

// ClaimableBatchStatuses lists the batch statuses in which tasks of the job type may be claimed.
func (t JobType) ClaimableBatchStatuses() []BatchStatus {
	switch t {
	case JobTypeManifestIngest:
		return []BatchStatus{BatchStatusPending, BatchStatusRunning}
	case JobTypeScrape:
		return []BatchStatus{BatchStatusRunning}
	default:
		return nil
	}
}

// Job is a typed unit of work belonging to a batch.
type Job struct {
	ID      string     `json:"id"`
	BatchID string     `json:"batch_id"`
	Type    JobType    `json:"type"`
	Payload JobPayload `json:"payload"`
	Status  TaskStatus `json:"status"`
	Error   string     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// JobPayload is the sum type of job payloads. The concrete type always matches Job.Type.
type JobPayload interface {
	JobType() JobType
}

// ManifestIngestPayload tells a manifest worker which file to expand.
type ManifestIngestPayload struct {
	ManifestPath string `json:"manifest_path" validate:"required"`
	Delimiter    string `json:"delimiter,omitempty" validate:"omitempty,len=1"`
}

// JobType implements JobPayload.
func (ManifestIngestPayload) JobType() JobType { return JobTypeManifestIngest }

// ScrapePayload describes the scrape job spawned from a manifest.
type ScrapePayload struct {
	ManifestPath string `json:"manifest_path" validate:"required"`
	RowCount     int    `json:"row_count" validate:"gte=1"`
	SkippedRows  int    `json:"skipped_rows" validate:"gte=0"`
}

// JobType implements JobPayload.
func (ScrapePayload) JobType() JobType { return JobTypeScrape }

var payloadValidator = validation.New() //nolint:gochecknoglobals // validator is safe for concurrent use

// EncodeJobPayload serializes a payload after validating it.
func EncodeJobPayload(p JobPayload) ([]byte, error) {
	if p == nil {
		return nil, domainerrors.Validation("job payload is required")
	}
	if err := payloadValidator.Validate(p); err != nil {
		return nil, err
	}
	return json.Marshal(p)
}

// DecodeJobPayload parses raw into the payload variant for jobType and validates it.
// Unknown fields, unknown job types and schema violations are validation errors.
func DecodeJobPayload(jobType JobType, raw []byte) (JobPayload, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, domainerrors.Validationf("%s job has no payload", jobType)
	}

	var payload JobPayload
	switch jobType {
	case JobTypeManifestIngest:
		var p ManifestIngestPayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		payload = p
	case JobTypeScrape:
		var p ScrapePayload
		if err := decodeStrict(raw, &p); err != nil {
			return nil, err
		}
		payload = p
	default:
		return nil, domainerrors.Validationf("unknown job type %q", jobType)
	}

	if err := payloadValidator.Validate(payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return domainerrors.Wrap(err, domainerrors.CodeValidation, fmt.Sprintf("decode %T", dst))
	}
	return nil
}
