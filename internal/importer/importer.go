// Package importer turns scraped pages into import submissions and queues them for extraction.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/krithibase/krithibase-server/internal/dedup"
	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/normalize"
	"github.com/krithibase/krithibase-server/internal/resolver"
	"github.com/krithibase/krithibase-server/internal/scrape"
	"github.com/krithibase/krithibase-server/internal/store"
)

// Store is the persistence the importer needs.
type Store interface {
	dedup.Catalog
	ListReferences(ctx context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error)
	GetSubmissionByChecksum(ctx context.Context, batchID, checksum string) (*domain.ImportSubmission, error)
	SaveImport(ctx context.Context, sub *domain.ImportSubmission, item *domain.ExtractionQueueItem, audit *domain.AuditEntry) error
}

// ManifestHints carries what the manifest row said about the page.
type ManifestHints struct {
	BatchID  string
	TaskID   string
	Title    string
	Raga     string
	Composer string
}

// Importer stores submissions.
type Importer struct {
	store  Store
	dedup  *dedup.Deduplicator
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Importer.
func New(s Store, logger *slog.Logger) *Importer {
	return &Importer{
		store:  s,
		dedup:  dedup.New(s),
		logger: logger,
		now:    time.Now,
	}
}

// Submit records page as a submission of hints.BatchID. A page whose checksum the batch
// already holds returns the existing submission unchanged.
func (i *Importer) Submit(ctx context.Context, page *scrape.Page, hints ManifestHints) (*domain.ImportSubmission, error) {
	if existing, err := i.store.GetSubmissionByChecksum(ctx, hints.BatchID, page.Checksum); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup submission: %w", err)
	}

	rawTitle := hints.Title
	if rawTitle == "" {
		rawTitle = page.Title
	}
	now := i.now().UTC()

	sub := &domain.ImportSubmission{
		ID:              id.MustGenerate(id.Submission),
		BatchID:         hints.BatchID,
		TaskID:          hints.TaskID,
		SourceURL:       page.URL,
		RawTitle:        rawTitle,
		RawRaga:         hints.Raga,
		RawComposer:     hints.Composer,
		NormalizedTitle: normalize.Title(rawTitle),
		ContentMarkdown: page.Markdown,
		Checksum:        page.Checksum,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	query := dedup.Query{
		SubmissionID:    sub.ID,
		BatchID:         sub.BatchID,
		NormalizedTitle: sub.NormalizedTitle,
	}
	var err error
	if query.ComposerID, err = i.resolveHint(ctx, domain.ReferenceComposer, hints.Composer); err != nil {
		return nil, err
	}
	if query.RagaID, err = i.resolveHint(ctx, domain.ReferenceRaga, hints.Raga); err != nil {
		return nil, err
	}

	candidates, err := i.dedup.FindDuplicates(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("find duplicates: %w", err)
	}
	sub.Duplicates = candidates

	var item *domain.ExtractionQueueItem
	if dedup.HasCatalogMatch(candidates) {
		sub.Status = domain.SubmissionDuplicate
	} else {
		sub.Status = domain.SubmissionExtracting
		item = &domain.ExtractionQueueItem{
			ID:           id.MustGenerate(id.Extraction),
			BatchID:      sub.BatchID,
			SubmissionID: sub.ID,
			SourceURL:    sub.SourceURL,
			Format:       domain.SourceFormatHTML,
			Intent:       domain.IntentPrimary,
			Content:      sub.ContentMarkdown,
			Status:       domain.ExtractionStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		sub.ExtractionID = item.ID
	}

	audit := &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditSubmissionImported,
		EntityTable: "import_submissions",
		EntityID:    sub.ID,
		Actor:       domain.SystemActor,
		Metadata: map[string]any{
			"status":     string(sub.Status),
			"duplicates": len(candidates),
			"source_url": sub.SourceURL,
		},
		CreatedAt: now,
	}

	err = i.store.SaveImport(ctx, sub, item, audit)
	if errors.Is(err, store.ErrAlreadyExists) {
		// Lost a race with a concurrent submit of the same page.
		return i.store.GetSubmissionByChecksum(ctx, hints.BatchID, page.Checksum)
	}
	if err != nil {
		return nil, fmt.Errorf("save submission: %w", err)
	}

	i.logger.Debug("submission imported",
		slog.String("submission_id", sub.ID),
		slog.String("status", string(sub.Status)),
		slog.Int("duplicates", len(candidates)),
	)
	return sub, nil
}

// resolveHint maps a manifest hint to a reference ID when it resolves with HIGH confidence.
func (i *Importer) resolveHint(ctx context.Context, kind domain.ReferenceKind, mention string) (string, error) {
	if mention == "" {
		return "", nil
	}
	set, err := i.store.ListReferences(ctx, kind)
	if err != nil {
		return "", fmt.Errorf("list %s references: %w", kind, err)
	}
	best, ok := resolver.Resolve(mention, resolver.KindFor(kind), set).Candidates.Accepted()
	if !ok {
		return "", nil
	}
	return best.Entity.ID, nil
}
