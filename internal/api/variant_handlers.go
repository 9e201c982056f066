package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/krithibase/krithibase-server/internal/domain"
)

func (s *Server) registerVariantRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "listVariantMatches",
		Method:      http.MethodGet,
		Path:        "/api/v1/variant-matches",
		Summary:     "List variant matches",
		Description: "Returns variant matches in a status, oldest first. Defaults to the review queue.",
		Tags:        []string{"Variants"},
	}, s.handleListVariantMatches)

	huma.Register(s.api, huma.Operation{
		OperationID: "reviewVariantMatch",
		Method:      http.MethodPost,
		Path:        "/api/v1/variant-matches/{id}/review",
		Summary:     "Review variant match",
		Description: "Approves or rejects a PENDING match. Approval writes the lyric variants and evidence.",
		Tags:        []string{"Variants"},
	}, s.handleReviewVariantMatch)
}

// ListVariantMatchesInput contains parameters for listing matches.
type ListVariantMatchesInput struct {
	Status string `query:"status" default:"PENDING" enum:"AUTO_APPROVED,PENDING,APPROVED,REJECTED" doc:"Match status"`
	Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum matches to return"`
}

// ListVariantMatchesOutput wraps the match list for Huma.
type ListVariantMatchesOutput struct {
	Body []*domain.VariantMatch
}

// ReviewVariantMatchRequest is an operator decision.
type ReviewVariantMatchRequest struct {
	Decision string `json:"decision" enum:"APPROVE,REJECT" doc:"Review decision"`
	Reviewer string `json:"reviewer,omitempty" doc:"Reviewer, defaults to the X-Actor header"`
}

// ReviewVariantMatchInput wraps the review request for Huma.
type ReviewVariantMatchInput struct {
	ID    string `path:"id" doc:"Variant match ID"`
	Actor string `header:"X-Actor" doc:"Operator recorded in the audit log"`
	Body  ReviewVariantMatchRequest
}

// VariantMatchOutput wraps a match for Huma.
type VariantMatchOutput struct {
	Body *domain.VariantMatch
}

func (s *Server) handleListVariantMatches(ctx context.Context, input *ListVariantMatchesInput) (*ListVariantMatchesOutput, error) {
	matches, err := s.services.Variants.List(ctx, domain.VariantMatchStatus(input.Status), input.Limit)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &ListVariantMatchesOutput{Body: matches}, nil
}

func (s *Server) handleReviewVariantMatch(ctx context.Context, input *ReviewVariantMatchInput) (*VariantMatchOutput, error) {
	reviewer := input.Body.Reviewer
	if reviewer == "" {
		reviewer = input.Actor
	}
	if reviewer == "" {
		reviewer = domain.SystemActor
	}

	match, err := s.services.Variants.Review(ctx, input.ID, domain.ReviewDecision(input.Body.Decision), reviewer)
	if err != nil {
		return nil, toStatusError(err)
	}
	return &VariantMatchOutput{Body: match}, nil
}
