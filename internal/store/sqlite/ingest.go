package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/krithibase/krithibase-server/internal/store"
)

// errAlreadyIngested aborts an ingestion transaction whose item lost the DONE -> INGESTED race.
var errAlreadyIngested = errors.New("extraction already ingested")

// ApplyIngestion writes a PRIMARY item's references, krithis, lyric variants, evidence and
// audit entries, and moves the item to INGESTED, all in one transaction. It reports false and
// writes nothing when the item was not DONE.
func (s *Store) ApplyIngestion(ctx context.Context, plan store.IngestionPlan) (bool, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied, err := markIngested(ctx, tx, plan.ItemID, plan.At)
		if err != nil {
			return err
		}
		if !applied {
			return errAlreadyIngested
		}

		for _, ref := range plan.References {
			if err := insertReference(ctx, tx, ref); err != nil {
				return fmt.Errorf("%s %q: %w", ref.Kind, ref.Name, err)
			}
		}
		for _, k := range plan.Krithis {
			if err := insertKrithi(ctx, tx, k); err != nil {
				return fmt.Errorf("krithi %q: %w", k.Title, err)
			}
		}
		for _, v := range plan.LyricVariants {
			if err := insertLyricVariant(ctx, tx, v); err != nil {
				return err
			}
		}
		for _, e := range plan.Evidence {
			if err := insertEvidence(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, entry := range plan.Audit {
			if err := appendAudit(ctx, tx, entry); err != nil {
				return err
			}
		}
		return markSubmissionMerged(ctx, tx, plan.ItemID, formatTime(plan.At))
	})
	if errors.Is(err, errAlreadyIngested) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
