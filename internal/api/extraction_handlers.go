package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/service"
)

func (s *Server) registerExtractionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID:   "enqueueExtraction",
		Method:        http.MethodPost,
		Path:          "/api/v1/extractions",
		Summary:       "Enqueue extraction",
		Description:   "Queues a source for the external extractor. ENRICH requests name the PRIMARY item they enrich.",
		Tags:          []string{"Extractions"},
		DefaultStatus: http.StatusCreated,
	}, s.handleEnqueueExtraction)

	huma.Register(s.api, huma.Operation{
		OperationID: "listExtractions",
		Method:      http.MethodGet,
		Path:        "/api/v1/extractions",
		Summary:     "List extractions",
		Description: "Returns queue items in a status, oldest first",
		Tags:        []string{"Extractions"},
	}, s.handleListExtractions)

	huma.Register(s.api, huma.Operation{
		OperationID: "claimExtraction",
		Method:      http.MethodPost,
		Path:        "/api/v1/extractions/claim",
		Summary:     "Claim extraction",
		Description: "Leases the oldest PENDING item to the caller. The item is null when the queue is empty.",
		Tags:        []string{"Extractions"},
	}, s.handleClaimExtraction)

	huma.Register(s.api, huma.Operation{
		OperationID: "processExtractions",
		Method:      http.MethodPost,
		Path:        "/api/v1/extractions/process",
		Summary:     "Process extractions",
		Description: "Runs one pass of the result processor over DONE items",
		Tags:        []string{"Extractions"},
	}, s.handleProcessExtractions)

	huma.Register(s.api, huma.Operation{
		OperationID: "getExtraction",
		Method:      http.MethodGet,
		Path:        "/api/v1/extractions/{id}",
		Summary:     "Get extraction",
		Tags:        []string{"Extractions"},
	}, s.handleGetExtraction)

	huma.Register(s.api, huma.Operation{
		OperationID: "postExtractionResult",
		Method:      http.MethodPost,
		Path:        "/api/v1/extractions/{id}/result",
		Summary:     "Post extraction result",
		Description: "Records the extractor's payload (item becomes DONE) or its failure (item becomes FAILED)",
		Tags:        []string{"Extractions"},
	}, s.handlePostExtractionResult)
}

// === DTOs ===

// EnqueueExtractionRequest is the request body for queueing a source.
type EnqueueExtractionRequest struct {
	SourceURL     string `json:"source_url" doc:"Page or document to extract" minLength:"1"`
	Format        string `json:"format" enum:"HTML,PDF,TEXT" doc:"Content type of the source"`
	Intent        string `json:"intent" enum:"PRIMARY,ENRICH" doc:"PRIMARY creates krithis, ENRICH adds variants"`
	RelatedItemID string `json:"related_item_id,omitempty" doc:"PRIMARY item an ENRICH request enriches"`
	Content       string `json:"content,omitempty" doc:"Inline content, when the extractor should not fetch"`
}

// EnqueueExtractionInput wraps the enqueue request for Huma.
type EnqueueExtractionInput struct {
	Body EnqueueExtractionRequest
}

// ExtractionOutput wraps a queue item for Huma.
type ExtractionOutput struct {
	Body *domain.ExtractionQueueItem
}

// ListExtractionsInput contains parameters for listing queue items.
type ListExtractionsInput struct {
	Status string `query:"status" default:"PENDING" enum:"PENDING,PROCESSING,DONE,FAILED,INGESTED,CANCELLED" doc:"Queue status"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum items to return"`
}

// ListExtractionsOutput wraps the item list for Huma.
type ListExtractionsOutput struct {
	Body []*domain.ExtractionQueueItem
}

// ClaimExtractionResponse carries the leased item, or null.
type ClaimExtractionResponse struct {
	Item *domain.ExtractionQueueItem `json:"item" doc:"Leased item, null when nothing is pending"`
}

// ClaimExtractionOutput wraps the claim response for Huma.
type ClaimExtractionOutput struct {
	Body ClaimExtractionResponse
}

// ExtractionIDInput identifies a queue item.
type ExtractionIDInput struct {
	ID string `path:"id" doc:"Extraction item ID"`
}

// ExtractionResultRequest is the extractor's report. Payload is a JSON array of
// canonical extractions, or a string holding one.
type ExtractionResultRequest struct {
	Payload any    `json:"payload,omitempty" doc:"Array of canonical extractions"`
	Error   string `json:"error,omitempty" doc:"Failure message, when extraction failed"`
}

// PostExtractionResultInput wraps the result request for Huma.
type PostExtractionResultInput struct {
	ID   string `path:"id" doc:"Extraction item ID"`
	Body ExtractionResultRequest
}

// ProcessExtractionsInput contains parameters for a processor pass.
type ProcessExtractionsInput struct {
	BatchSize int `query:"batch_size" default:"25" minimum:"1" maximum:"500" doc:"Maximum items to process"`
}

// ProcessExtractionsResponse reports a processor pass.
type ProcessExtractionsResponse struct {
	Report *extraction.Report `json:"report"`
	Errors []string           `json:"errors,omitempty" doc:"Per-item errors; those items stay DONE"`
}

// ProcessExtractionsOutput wraps the pass report for Huma.
type ProcessExtractionsOutput struct {
	Body ProcessExtractionsResponse
}

// === Handlers ===

func (s *Server) handleEnqueueExtraction(ctx context.Context, input *EnqueueExtractionInput) (*ExtractionOutput, error) {
	item, err := s.services.Extraction.Enqueue(ctx, service.EnqueueExtractionInput{
		SourceURL:     input.Body.SourceURL,
		Format:        input.Body.Format,
		Intent:        input.Body.Intent,
		RelatedItemID: input.Body.RelatedItemID,
		Content:       input.Body.Content,
	})
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ExtractionOutput{Body: item}, nil
}

func (s *Server) handleListExtractions(ctx context.Context, input *ListExtractionsInput) (*ListExtractionsOutput, error) {
	items, err := s.services.Extraction.List(ctx, domain.ExtractionStatus(input.Status), input.Limit)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ListExtractionsOutput{Body: items}, nil
}

func (s *Server) handleClaimExtraction(ctx context.Context, _ *struct{}) (*ClaimExtractionOutput, error) {
	item, err := s.services.Extraction.Claim(ctx)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ClaimExtractionOutput{Body: ClaimExtractionResponse{Item: item}}, nil
}

func (s *Server) handleGetExtraction(ctx context.Context, input *ExtractionIDInput) (*ExtractionOutput, error) {
	item, err := s.services.Extraction.Get(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ExtractionOutput{Body: item}, nil
}

func (s *Server) handlePostExtractionResult(ctx context.Context, input *PostExtractionResultInput) (*ExtractionOutput, error) {
	payload, err := payloadString(input.Body.Payload)
	if err != nil {
		return nil, toStatusError(err)
	}
	item, err := s.services.Extraction.PostResult(ctx, input.ID, service.ExtractionResultInput{
		Payload: payload,
		Error:   input.Body.Error,
	})
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ExtractionOutput{Body: item}, nil
}

func (s *Server) handleProcessExtractions(ctx context.Context, input *ProcessExtractionsInput) (*ProcessExtractionsOutput, error) {
	report, err := s.services.Extraction.Process(ctx, input.BatchSize)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ProcessExtractionsOutput{
		Body: ProcessExtractionsResponse{Report: report, Errors: report.Errors()},
	}, nil
}

// payloadString turns the decoded payload back into the JSON text the queue stores.
func payloadString(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "", nil
	case string:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return "", domainerrors.Validationf("payload is not valid JSON").WithCause(err)
		}
		return string(raw), nil
	}
}
