package domain

import "time"

// ReferenceKind selects one of the reference tables.
type ReferenceKind string

const (
	ReferenceComposer ReferenceKind = "composer"
	ReferenceRaga     ReferenceKind = "raga"
	ReferenceTala     ReferenceKind = "tala"
	ReferenceDeity    ReferenceKind = "deity"
)

// Table returns the storage table for the kind.
func (k ReferenceKind) Table() string {
	switch k {
	case ReferenceComposer:
		return "composers"
	case ReferenceRaga:
		return "ragas"
	case ReferenceTala:
		return "talas"
	case ReferenceDeity:
		return "deities"
	default:
		return ""
	}
}

// ReferenceEntity is a canonical composer, raga, tala or deity.
type ReferenceEntity struct {
	ID             string        `json:"id"`
	Kind           ReferenceKind `json:"kind"`
	Name           string        `json:"name"`
	NormalizedName string        `json:"normalized_name"`
	CreatedAt      time.Time     `json:"created_at"`
}
