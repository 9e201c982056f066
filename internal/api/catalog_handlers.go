package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/service"
)

func (s *Server) registerCatalogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "getKrithi",
		Method:      http.MethodGet,
		Path:        "/api/v1/krithis/{id}",
		Summary:     "Get krithi",
		Description: "Returns a krithi with the source evidence behind it",
		Tags:        []string{"Catalog"},
	}, s.handleGetKrithi)

	huma.Register(s.api, huma.Operation{
		OperationID: "getKrithiVoting",
		Method:      http.MethodGet,
		Path:        "/api/v1/krithis/{id}/voting",
		Summary:     "Get structural vote",
		Description: "Returns the latest structural voting record for a krithi",
		Tags:        []string{"Catalog"},
	}, s.handleGetKrithiVoting)

	huma.Register(s.api, huma.Operation{
		OperationID: "recomputeKrithiVoting",
		Method:      http.MethodPost,
		Path:        "/api/v1/krithis/{id}/vote",
		Summary:     "Recompute structural vote",
		Description: "Re-runs the vote over all evidence. Voted is false when fewer than two sources exist.",
		Tags:        []string{"Catalog"},
	}, s.handleRecomputeVoting)

	huma.Register(s.api, huma.Operation{
		OperationID: "getSubmissionDuplicates",
		Method:      http.MethodGet,
		Path:        "/api/v1/submissions/{id}/duplicates",
		Summary:     "Get duplicate candidates",
		Tags:        []string{"Catalog"},
	}, s.handleGetDuplicates)

	huma.Register(s.api, huma.Operation{
		OperationID: "listAudit",
		Method:      http.MethodGet,
		Path:        "/api/v1/audit",
		Summary:     "List audit entries",
		Description: "Returns an entity's audit trail, oldest first",
		Tags:        []string{"Catalog"},
	}, s.handleListAudit)
}

// === DTOs ===

// KrithiIDInput identifies a krithi.
type KrithiIDInput struct {
	ID string `path:"id" doc:"Krithi ID"`
}

// KrithiOutput wraps a krithi detail for Huma.
type KrithiOutput struct {
	Body *service.KrithiDetail
}

// VotingOutput wraps a voting record for Huma.
type VotingOutput struct {
	Body *domain.VotingRecord
}

// RecomputeVotingResponse is the result of a re-vote.
type RecomputeVotingResponse struct {
	Voted  bool                 `json:"voted"`
	Record *domain.VotingRecord `json:"record"`
}

// RecomputeVotingOutput wraps the re-vote result for Huma.
type RecomputeVotingOutput struct {
	Body RecomputeVotingResponse
}

// SubmissionIDInput identifies an import submission.
type SubmissionIDInput struct {
	ID string `path:"id" doc:"Submission ID"`
}

// DuplicatesOutput wraps dedup candidates for Huma.
type DuplicatesOutput struct {
	Body *service.SubmissionDuplicates
}

// ListAuditInput selects an entity's audit trail.
type ListAuditInput struct {
	Table string `query:"table" required:"true" enum:"batches,extraction_queue,import_submissions,krithis,variant_matches" doc:"Entity table"`
	ID    string `query:"id" required:"true" minLength:"1" doc:"Entity ID"`
}

// ListAuditOutput wraps audit entries for Huma.
type ListAuditOutput struct {
	Body []*domain.AuditEntry
}

// === Handlers ===

func (s *Server) handleGetKrithi(ctx context.Context, input *KrithiIDInput) (*KrithiOutput, error) {
	detail, err := s.services.Catalog.Krithi(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &KrithiOutput{Body: detail}, nil
}

func (s *Server) handleGetKrithiVoting(ctx context.Context, input *KrithiIDInput) (*VotingOutput, error) {
	rec, err := s.services.Catalog.Voting(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &VotingOutput{Body: rec}, nil
}

func (s *Server) handleRecomputeVoting(ctx context.Context, input *KrithiIDInput) (*RecomputeVotingOutput, error) {
	rec, err := s.services.Catalog.Recompute(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &RecomputeVotingOutput{
		Body: RecomputeVotingResponse{Voted: rec != nil, Record: rec},
	}, nil
}

func (s *Server) handleGetDuplicates(ctx context.Context, input *SubmissionIDInput) (*DuplicatesOutput, error) {
	dups, err := s.services.Catalog.Duplicates(ctx, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &DuplicatesOutput{Body: dups}, nil
}

func (s *Server) handleListAudit(ctx context.Context, input *ListAuditInput) (*ListAuditOutput, error) {
	entries, err := s.services.Catalog.Audit(ctx, input.Table, input.ID)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ListAuditOutput{Body: entries}, nil
}
