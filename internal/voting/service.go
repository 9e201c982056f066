package voting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/store"
)

// MinSources is the number of independent sources a krithi needs before it is voted on.
const MinSources = 2

// Store is the persistence the voting service needs.
type Store interface {
	ListEvidence(ctx context.Context, krithiID string) ([]*domain.SourceEvidence, error)
	GetVotingRecord(ctx context.Context, krithiID string) (*domain.VotingRecord, error)
	SaveVotingRecord(ctx context.Context, rec *domain.VotingRecord, sections []domain.Section, audit *domain.AuditEntry) error
}

// Service recomputes voting records from a krithi's evidence.
type Service struct {
	store   Store
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a voting service.
func NewService(s Store, recorder metrics.Recorder, logger *slog.Logger) *Service {
	return &Service{
		store:   s,
		metrics: metrics.OrNop(recorder),
		logger:  logger,
		now:     time.Now,
	}
}

// Recompute votes on the krithi's structure and replaces its voting record. Unless the
// confidence is LOW the consensus structure is written to the krithi as well.
//
// It returns nil without writing when fewer than MinSources sources propose a structure,
// and the existing record when the participants and outcome are unchanged.
func (s *Service) Recompute(ctx context.Context, krithiID string) (*domain.VotingRecord, error) {
	evidence, err := s.store.ListEvidence(ctx, krithiID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}

	participants := s.participants(evidence)
	if len(participants) < MinSources {
		return nil, nil
	}

	outcome := PickBestStructure(participants)
	now := s.now().UTC()
	rec := &domain.VotingRecord{
		ID:                 id.MustGenerate(id.Voting),
		KrithiID:           krithiID,
		Participants:       participants,
		ConsensusStructure: outcome.Structure,
		ConsensusType:      outcome.Type,
		Confidence:         outcome.Confidence,
		DissentingSources:  outcome.Dissenting,
		VotedAt:            now,
	}

	prev, err := s.store.GetVotingRecord(ctx, krithiID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("get voting record: %w", err)
	case sameVote(prev, rec):
		return prev, nil
	}

	audit := &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditVotingRecomputed,
		EntityTable: "krithis",
		EntityID:    krithiID,
		Actor:       domain.SystemActor,
		Metadata: map[string]any{
			"consensus_type": string(rec.ConsensusType),
			"confidence":     string(rec.Confidence),
			"structure":      domain.StructureKey(rec.ConsensusStructure),
			"participants":   len(participants),
			"dissenting":     len(rec.DissentingSources),
		},
		CreatedAt: now,
	}
	var sections []domain.Section
	if rec.Confidence != domain.ConfidenceLow {
		sections = rec.ConsensusStructure
	}
	if err := s.store.SaveVotingRecord(ctx, rec, sections, audit); err != nil {
		return nil, fmt.Errorf("save voting record: %w", err)
	}

	s.metrics.VotingRecord(string(rec.ConsensusType), string(rec.Confidence))
	s.logger.Debug("structure voted",
		slog.String("krithi_id", krithiID),
		slog.String("consensus_type", string(rec.ConsensusType)),
		slog.String("confidence", string(rec.Confidence)),
		slog.Int("participants", len(participants)),
	)
	return rec, nil
}

// participants turns evidence into one voter per source name; a later extraction from the
// same source replaces the earlier one. Evidence whose raw extraction has no sections is skipped.
func (s *Service) participants(evidence []*domain.SourceEvidence) []domain.VotingParticipant {
	var out []domain.VotingParticipant
	index := make(map[string]int)
	for _, e := range evidence {
		var raw domain.CanonicalExtraction
		if err := json.Unmarshal([]byte(e.RawExtraction), &raw); err != nil {
			s.logger.Warn("evidence has unreadable raw extraction",
				slog.String("evidence_id", e.ID),
				slog.Any("error", err),
			)
			continue
		}
		if len(raw.Sections) == 0 {
			continue
		}

		p := domain.VotingParticipant{
			EvidenceID: e.ID,
			SourceName: e.SourceName,
			SourceTier: e.SourceTier,
			Authority:  e.IsAuthority(),
			Sections:   sortedSections(raw.Sections),
		}
		key := strings.ToLower(strings.TrimSpace(e.SourceName))
		if i, ok := index[key]; ok {
			out[i] = p
			continue
		}
		index[key] = len(out)
		out = append(out, p)
	}
	return out
}

func sortedSections(sections []domain.Section) []domain.Section {
	out := slices.Clone(sections)
	slices.SortStableFunc(out, func(a, b domain.Section) int { return a.Order - b.Order })
	return out
}

func sameVote(prev, next *domain.VotingRecord) bool {
	if prev.ConsensusType != next.ConsensusType || prev.Confidence != next.Confidence {
		return false
	}
	if domain.StructureKey(prev.ConsensusStructure) != domain.StructureKey(next.ConsensusStructure) {
		return false
	}
	if len(prev.Participants) != len(next.Participants) {
		return false
	}
	for i := range prev.Participants {
		if prev.Participants[i].EvidenceID != next.Participants[i].EvidenceID {
			return false
		}
	}
	return true
}
