package service

import (
	"context"
	"log/slog"

	"github.com/krithibase/krithibase-server/internal/domain"
)

// CatalogStore is the read side of the catalog.
type CatalogStore interface {
	GetKrithi(ctx context.Context, id string) (*domain.Krithi, error)
	GetSubmission(ctx context.Context, id string) (*domain.ImportSubmission, error)
	GetVotingRecord(ctx context.Context, krithiID string) (*domain.VotingRecord, error)
	ListEvidence(ctx context.Context, krithiID string) ([]*domain.SourceEvidence, error)
	ListAudit(ctx context.Context, entityTable, entityID string) ([]*domain.AuditEntry, error)
}

// Voter recomputes a krithi's structural vote.
type Voter interface {
	Recompute(ctx context.Context, krithiID string) (*domain.VotingRecord, error)
}

// SubmissionDuplicates is a submission's dedup result.
type SubmissionDuplicates struct {
	SubmissionID string                      `json:"submission_id"`
	Status       domain.SubmissionStatus     `json:"status"`
	Duplicates   []domain.DuplicateCandidate `json:"duplicates"`
}

// KrithiDetail is a krithi with the evidence backing it.
type KrithiDetail struct {
	*domain.Krithi
	Evidence []*domain.SourceEvidence `json:"evidence"`
}

// CatalogService answers catalog queries and triggers re-votes.
type CatalogService struct {
	store  CatalogStore
	voter  Voter
	logger *slog.Logger
}

// NewCatalogService creates a catalog service.
func NewCatalogService(s CatalogStore, voter Voter, logger *slog.Logger) *CatalogService {
	return &CatalogService{store: s, voter: voter, logger: logger}
}

// Duplicates returns the dedup candidates recorded for a submission.
func (s *CatalogService) Duplicates(ctx context.Context, submissionID string) (*SubmissionDuplicates, error) {
	sub, err := s.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	dups := sub.Duplicates
	if dups == nil {
		dups = []domain.DuplicateCandidate{}
	}
	return &SubmissionDuplicates{SubmissionID: sub.ID, Status: sub.Status, Duplicates: dups}, nil
}

// Krithi returns a krithi and its evidence.
func (s *CatalogService) Krithi(ctx context.Context, krithiID string) (*KrithiDetail, error) {
	k, err := s.store.GetKrithi(ctx, krithiID)
	if err != nil {
		return nil, err
	}
	evidence, err := s.store.ListEvidence(ctx, krithiID)
	if err != nil {
		return nil, err
	}
	return &KrithiDetail{Krithi: k, Evidence: evidence}, nil
}

// Voting returns the current voting record of a krithi. A krithi that has never been
// voted on returns store.ErrNotFound.
func (s *CatalogService) Voting(ctx context.Context, krithiID string) (*domain.VotingRecord, error) {
	if _, err := s.store.GetKrithi(ctx, krithiID); err != nil {
		return nil, err
	}
	return s.store.GetVotingRecord(ctx, krithiID)
}

// Recompute re-runs the structural vote. It returns nil when there are not enough sources.
func (s *CatalogService) Recompute(ctx context.Context, krithiID string) (*domain.VotingRecord, error) {
	if _, err := s.store.GetKrithi(ctx, krithiID); err != nil {
		return nil, err
	}
	rec, err := s.voter.Recompute(ctx, krithiID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		s.logger.Debug("not enough sources to vote", slog.String("krithi_id", krithiID))
	}
	return rec, nil
}

// Audit returns an entity's audit trail.
func (s *CatalogService) Audit(ctx context.Context, entityTable, entityID string) ([]*domain.AuditEntry, error) {
	return s.store.ListAudit(ctx, entityTable, entityID)
}
