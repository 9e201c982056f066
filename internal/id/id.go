// Package id generates prefixed, URL-safe identifiers for pipeline entities.
package id

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Prefix identifies the entity kind an ID belongs to.
type Prefix string

// Entity prefixes. The prefix makes an ID self-describing in logs and audit rows.
const (
	Batch         Prefix = "bat"
	Job           Prefix = "job"
	Task          Prefix = "tsk"
	Extraction    Prefix = "ext"
	Krithi        Prefix = "kri"
	Composer      Prefix = "cmp"
	Raga          Prefix = "rag"
	Tala          Prefix = "tal"
	Deity         Prefix = "dei"
	LyricVariant  Prefix = "lyr"
	Evidence      Prefix = "evd"
	Voting        Prefix = "vot"
	VariantMatch  Prefix = "vmt"
	Submission    Prefix = "sub"
	AuditEntry    Prefix = "aud"
	defaultLength        = 21
)

// Generate creates a prefixed unique ID using NanoID.
// Format: prefix-nanoid (e.g., "bat-V1StGXR8_Z5jdHi6B-myT").
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate(prefix Prefix) (string, error) {
	raw, err := gonanoid.New(defaultLength)
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return string(prefix) + "-" + raw, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate(prefix Prefix) string {
	v, err := Generate(prefix)
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return v
}

// HasPrefix reports whether v was generated for the given entity kind.
func HasPrefix(v string, prefix Prefix) bool {
	return strings.HasPrefix(v, string(prefix)+"-")
}
