// Package extraction reconciles completed extraction results with the krithi catalog.
package extraction

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/validation"
)

// ErrMalformedPayload marks a result payload that is not a valid list of extractions.
var ErrMalformedPayload = errors.New("malformed extraction payload")

// ParseResult is a decoded result payload. No extractions is a valid, empty result.
type ParseResult struct {
	Extractions []domain.CanonicalExtraction
}

// Empty reports whether the extractor found nothing.
func (r ParseResult) Empty() bool { return len(r.Extractions) == 0 }

// ParsePayload decodes a result payload: a JSON array of extractions. A blank or null
// payload is empty. Anything else that fails to decode or validate wraps ErrMalformedPayload.
func ParsePayload(payload string, v *validation.Validator) (ParseResult, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "null" {
		return ParseResult{}, nil
	}

	var extractions []domain.CanonicalExtraction
	if err := json.Unmarshal([]byte(payload), &extractions); err != nil {
		return ParseResult{}, malformed(err)
	}
	for i := range extractions {
		if err := v.Validate(&extractions[i]); err != nil {
			return ParseResult{}, malformed(domainerrors.Wrapf(err, domainerrors.CodeValidation, "entry %d", i))
		}
	}
	return ParseResult{Extractions: extractions}, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
}
