package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/store"
)

// SaveVotingRecord replaces the krithi's voting record. When sections is non-nil the
// krithi's section list is rewritten in the same transaction.
func (s *Store) SaveVotingRecord(ctx context.Context, rec *domain.VotingRecord, sections []domain.Section, audit *domain.AuditEntry) error {
	participants, err := encodeJSON(rec.Participants)
	if err != nil {
		return err
	}
	structure, err := encodeJSON(nonNilSections(rec.ConsensusStructure))
	if err != nil {
		return err
	}
	dissent := rec.DissentingSources
	if dissent == nil {
		dissent = []domain.VotingParticipant{}
	}
	dissenting, err := encodeJSON(dissent)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voting_records (
				id, krithi_id, participants, consensus_structure, consensus_type,
				confidence, dissenting_sources, voted_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(krithi_id) DO UPDATE SET
				participants = excluded.participants,
				consensus_structure = excluded.consensus_structure,
				consensus_type = excluded.consensus_type,
				confidence = excluded.confidence,
				dissenting_sources = excluded.dissenting_sources,
				voted_at = excluded.voted_at`,
			rec.ID,
			rec.KrithiID,
			participants,
			structure,
			string(rec.ConsensusType),
			string(rec.Confidence),
			dissenting,
			formatTime(rec.VotedAt),
		); err != nil {
			return fmt.Errorf("upsert voting record: %w", err)
		}

		if sections != nil {
			if err := updateKrithiSections(ctx, tx, rec.KrithiID, sections, rec.VotedAt); err != nil {
				return err
			}
		}
		return appendAudit(ctx, tx, audit)
	})
}

// GetVotingRecord returns the krithi's voting record.
// Returns store.ErrNotFound if no vote has been recorded.
func (s *Store) GetVotingRecord(ctx context.Context, krithiID string) (*domain.VotingRecord, error) {
	var (
		rec          domain.VotingRecord
		participants string
		structure    string
		consensus    string
		confidence   string
		dissenting   string
		votedAt      string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, krithi_id, participants, consensus_structure, consensus_type,
			confidence, dissenting_sources, voted_at
		FROM voting_records WHERE krithi_id = ?`,
		krithiID,
	).Scan(&rec.ID, &rec.KrithiID, &participants, &structure, &consensus, &confidence, &dissenting, &votedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec.ConsensusType = domain.ConsensusType(consensus)
	rec.Confidence = domain.ConfidenceTier(confidence)
	if err := decodeJSON(participants, &rec.Participants); err != nil {
		return nil, err
	}
	if err := decodeJSON(structure, &rec.ConsensusStructure); err != nil {
		return nil, err
	}
	if err := decodeJSON(dissenting, &rec.DissentingSources); err != nil {
		return nil, err
	}
	if rec.VotedAt, err = parseTime(votedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
