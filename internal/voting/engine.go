// Package voting computes the consensus section structure of a krithi from the structures
// its sources propose.
package voting

import (
	"github.com/krithibase/krithibase-server/internal/domain"
)

// Outcome is the result of a structural vote.
type Outcome struct {
	Structure  []domain.Section
	Type       domain.ConsensusType
	Confidence domain.ConfidenceTier
	Agreeing   []domain.VotingParticipant
	Dissenting []domain.VotingParticipant
}

type structureGroup struct {
	key       string
	sections  []domain.Section
	members   []domain.VotingParticipant
	authority bool
	first     int
}

// PickBestStructure chooses the structure proposed by the most participants.
//
// Ties go to the group holding an authority source, then to the group proposed first.
// Authority never outvotes a strict majority; it only changes the consensus label:
// UNANIMOUS when every participant agrees, otherwise AUTHORITY_OVERRIDE when any
// participant is an authority, otherwise MAJORITY. Confidence is HIGH when unanimous,
// MEDIUM when more than half agree with the chosen structure and LOW otherwise.
//
// Participants without sections do not vote. With no voters the outcome is empty.
func PickBestStructure(participants []domain.VotingParticipant) Outcome {
	byKey := make(map[string]*structureGroup)
	var (
		groups       []*structureGroup
		voters       int
		anyAuthority bool
	)
	for _, p := range participants {
		if len(p.Sections) == 0 {
			continue
		}
		voters++
		anyAuthority = anyAuthority || p.Authority

		key := domain.StructureKey(p.Sections)
		g, ok := byKey[key]
		if !ok {
			g = &structureGroup{key: key, sections: p.Sections, first: len(groups)}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.members = append(g.members, p)
		g.authority = g.authority || p.Authority
	}
	if voters == 0 {
		return Outcome{}
	}

	best := groups[0]
	for _, g := range groups[1:] {
		if better(g, best) {
			best = g
		}
	}

	out := Outcome{
		Structure: renumber(best.sections),
		Agreeing:  best.members,
	}
	for _, g := range groups {
		if g != best {
			out.Dissenting = append(out.Dissenting, g.members...)
		}
	}

	switch {
	case len(groups) == 1:
		out.Type = domain.ConsensusUnanimous
	case anyAuthority:
		out.Type = domain.ConsensusAuthorityOverride
	default:
		out.Type = domain.ConsensusMajority
	}

	switch {
	case out.Type == domain.ConsensusUnanimous:
		out.Confidence = domain.ConfidenceHigh
	case len(best.members)*2 > voters:
		out.Confidence = domain.ConfidenceMedium
	default:
		out.Confidence = domain.ConfidenceLow
	}
	return out
}

func better(a, b *structureGroup) bool {
	if len(a.members) != len(b.members) {
		return len(a.members) > len(b.members)
	}
	if a.authority != b.authority {
		return a.authority
	}
	return a.first < b.first
}

// renumber copies sections with Order set to their 1-based position.
func renumber(sections []domain.Section) []domain.Section {
	out := make([]domain.Section, len(sections))
	for i, s := range sections {
		s.Order = i + 1
		out[i] = s
	}
	return out
}
