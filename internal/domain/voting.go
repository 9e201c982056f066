package domain

import "time"

// ConsensusType labels how a structural consensus was reached.
type ConsensusType string

const (
	ConsensusUnanimous         ConsensusType = "UNANIMOUS"
	ConsensusAuthorityOverride ConsensusType = "AUTHORITY_OVERRIDE"
	ConsensusMajority          ConsensusType = "MAJORITY"
)

// VotingParticipant identifies one source that took part in a vote.
type VotingParticipant struct {
	EvidenceID string    `json:"evidence_id"`
	SourceName string    `json:"source_name"`
	SourceTier int       `json:"source_tier"`
	Authority  bool      `json:"authority"`
	Sections   []Section `json:"sections"`
}

// VotingRecord is the structural consensus for a krithi. There is at most one per krithi.
type VotingRecord struct {
	ID                 string              `json:"id"`
	KrithiID           string              `json:"krithi_id"`
	Participants       []VotingParticipant `json:"participants"`
	ConsensusStructure []Section           `json:"consensus_structure"`
	ConsensusType      ConsensusType       `json:"consensus_type"`
	Confidence         ConfidenceTier      `json:"confidence"`
	DissentingSources  []VotingParticipant `json:"dissenting_sources"`
	VotedAt            time.Time           `json:"voted_at"`
}
