package extraction

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// Report summarizes one processor pass.
type Report struct {
	Processed      int `json:"processed"`
	Ingested       int `json:"ingested"`
	Skipped        int `json:"skipped"`
	Matched        int `json:"matched"`
	Created        int `json:"created"`
	VariantMatches int `json:"variant_matches"`
	Voted          int `json:"voted"`
	// Failed counts items left DONE because of an error.
	Failed int `json:"failed"`
	// InvalidEntries counts entries dropped from otherwise ingested items.
	InvalidEntries int `json:"invalid_entries"`

	KrithiIDs []string `json:"krithi_ids,omitempty"`

	errs    *multierror.Error
	touched map[string]bool
}

func newReport() *Report {
	return &Report{touched: make(map[string]bool)}
}

// Err returns the aggregated per-item errors, or nil.
func (r *Report) Err() error {
	return r.errs.ErrorOrNil()
}

// Errors lists the per-item error messages.
func (r *Report) Errors() []string {
	if r.errs == nil {
		return nil
	}
	out := make([]string, len(r.errs.Errors))
	for i, err := range r.errs.Errors {
		out[i] = err.Error()
	}
	return out
}

// addError records err against subject, e.g. "item ext_123".
func (r *Report) addError(subject string, err error) {
	r.errs = multierror.Append(r.errs, fmt.Errorf("%s: %w", subject, err))
}

func (r *Report) touch(krithiIDs ...string) {
	for _, kid := range krithiIDs {
		if !r.touched[kid] {
			r.touched[kid] = true
			r.KrithiIDs = append(r.KrithiIDs, kid)
		}
	}
}
