package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/service"
	"github.com/krithibase/krithibase-server/internal/store"
)

func (s *Server) registerBatchRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "submitBatch",
		Method:        http.MethodPost,
		Path:          "/api/v1/batches",
		Summary:       "Submit manifest",
		Description:   "Creates a batch that ingests the manifest CSV at the given server path",
		Tags:          []string{"Batches"},
		DefaultStatus: http.StatusCreated,
	}, s.handleSubmitBatch)

	huma.Register(s.api, huma.Operation{
		OperationID: "listBatches",
		Method:      http.MethodGet,
		Path:        "/api/v1/batches",
		Summary:     "List batches",
		Description: "Returns the most recent batches",
		Tags:        []string{"Batches"},
	}, s.handleListBatches)

	huma.Register(s.api, huma.Operation{
		OperationID: "getBatch",
		Method:      http.MethodGet,
		Path:        "/api/v1/batches/{id}",
		Summary:     "Get batch",
		Description: "Returns a batch with its counters, jobs and task counts by status",
		Tags:        []string{"Batches"},
	}, s.handleGetBatch)

	huma.Register(s.api, huma.Operation{
		OperationID: "listBatchTasks",
		Method:      http.MethodGet,
		Path:        "/api/v1/batches/{id}/tasks",
		Summary:     "List batch tasks",
		Description: "Returns a batch's tasks, optionally filtered by status",
		Tags:        []string{"Batches"},
	}, s.handleListBatchTasks)

	huma.Register(s.api, huma.Operation{
		OperationID: "cancelBatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/batches/{id}/cancel",
		Summary:     "Cancel batch",
		Tags:        []string{"Batches"},
	}, s.handleCancelBatch)

	huma.Register(s.api, huma.Operation{
		OperationID: "pauseBatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/batches/{id}/pause",
		Summary:     "Pause batch",
		Tags:        []string{"Batches"},
	}, s.handlePauseBatch)

	huma.Register(s.api, huma.Operation{
		OperationID: "resumeBatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/batches/{id}/resume",
		Summary:     "Resume batch",
		Tags:        []string{"Batches"},
	}, s.handleResumeBatch)

	huma.Register(s.api, huma.Operation{
		OperationID: "retryBatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/batches/{id}/retry",
		Summary:     "Retry batch",
		Description: "Requeues failed tasks that still have attempts left",
		Tags:        []string{"Batches"},
	}, s.handleRetryBatch)
}

// === DTOs ===

// SubmitBatchRequest is the request body for submitting a manifest.
type SubmitBatchRequest struct {
	ManifestPath string `json:"manifest_path" doc:"Path of the manifest CSV on the server" minLength:"1"`
	Delimiter    string `json:"delimiter,omitempty" doc:"Single-character field delimiter, sniffed when empty"`
}

// SubmitBatchInput wraps the submit request for Huma.
type SubmitBatchInput struct {
	Actor string `header:"X-Actor" doc:"Operator recorded in the audit log"`
	Body  SubmitBatchRequest
}

// BatchOutput wraps a batch for Huma.
type BatchOutput struct {
	Body *domain.Batch
}

// ListBatchesInput contains parameters for listing batches.
type ListBatchesInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum batches to return"`
}

// ListBatchesOutput wraps the batch list for Huma.
type ListBatchesOutput struct {
	Body []*domain.Batch
}

// BatchIDInput identifies a batch.
type BatchIDInput struct {
	ID string `path:"id" doc:"Batch ID"`
}

// BatchCommandInput identifies a batch and the operator acting on it.
type BatchCommandInput struct {
	ID    string `path:"id" doc:"Batch ID"`
	Actor string `header:"X-Actor" doc:"Operator recorded in the audit log"`
}

// BatchDetailOutput wraps a batch detail for Huma.
type BatchDetailOutput struct {
	Body *service.BatchDetail
}

// ListBatchTasksInput contains parameters for listing a batch's tasks.
type ListBatchTasksInput struct {
	ID     string `path:"id" doc:"Batch ID"`
	Status string `query:"status" doc:"Only tasks in this status"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000" doc:"Maximum tasks to return"`
}

// ListBatchTasksOutput wraps the task list for Huma.
type ListBatchTasksOutput struct {
	Body []*domain.Task
}

// RetryBatchOutput wraps a retry summary for Huma.
type RetryBatchOutput struct {
	Body store.RetryResult
}

// === Handlers ===

func (s *Server) handleSubmitBatch(ctx context.Context, input *SubmitBatchInput) (*BatchOutput, error) {
	batch, err := s.services.Batch.Submit(ctx, service.SubmitBatchInput{
		ManifestPath: input.Body.ManifestPath,
		Delimiter:    input.Body.Delimiter,
		Actor:        input.Actor,
	})
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BatchOutput{Body: batch}, nil
}

func (s *Server) handleListBatches(ctx context.Context, input *ListBatchesInput) (*ListBatchesOutput, error) {
	batches, err := s.services.Batch.List(ctx, input.Limit)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ListBatchesOutput{Body: batches}, nil
}

func (s *Server) handleGetBatch(ctx context.Context, input *BatchIDInput) (*BatchDetailOutput, error) {
	detail, err := s.services.Batch.Get(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BatchDetailOutput{Body: detail}, nil
}

func (s *Server) handleListBatchTasks(ctx context.Context, input *ListBatchTasksInput) (*ListBatchTasksOutput, error) {
	tasks, err := s.services.Batch.ListTasks(ctx, input.ID, domain.TaskStatus(input.Status), input.Limit)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ListBatchTasksOutput{Body: tasks}, nil
}

func (s *Server) handleCancelBatch(ctx context.Context, input *BatchCommandInput) (*BatchOutput, error) {
	batch, err := s.services.Batch.Cancel(ctx, input.ID, input.Actor)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BatchOutput{Body: batch}, nil
}

func (s *Server) handlePauseBatch(ctx context.Context, input *BatchCommandInput) (*BatchOutput, error) {
	batch, err := s.services.Batch.Pause(ctx, input.ID, input.Actor)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BatchOutput{Body: batch}, nil
}

func (s *Server) handleResumeBatch(ctx context.Context, input *BatchCommandInput) (*BatchOutput, error) {
	batch, err := s.services.Batch.Resume(ctx, input.ID, input.Actor)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &BatchOutput{Body: batch}, nil
}

func (s *Server) handleRetryBatch(ctx context.Context, input *BatchCommandInput) (*RetryBatchOutput, error) {
	result, err := s.services.Batch.Retry(ctx, input.ID, input.Actor)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &RetryBatchOutput{Body: result}, nil
}
