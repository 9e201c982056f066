package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/search"
	"github.com/krithibase/krithibase-server/internal/store"
	"github.com/krithibase/krithibase-server/internal/validation"
	"github.com/krithibase/krithibase-server/internal/variant"
)

// DefaultBatchSize bounds one pass when the caller passes zero.
const DefaultBatchSize = 25

// Item outcomes reported to metrics.
const (
	outcomeIngested  = "ingested"
	outcomeEmpty     = "empty"
	outcomeMalformed = "malformed"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
)

// Store is the persistence the processor needs.
type Store interface {
	ListProcessableExtractions(ctx context.Context, limit int) ([]*domain.ExtractionQueueItem, error)
	GetExtraction(ctx context.Context, id string) (*domain.ExtractionQueueItem, error)
	RecordExtractionError(ctx context.Context, id, message string, at time.Time) error
	MarkExtractionIngested(ctx context.Context, id string, audit *domain.AuditEntry, at time.Time) (bool, error)
	ApplyIngestion(ctx context.Context, plan store.IngestionPlan) (bool, error)

	ListReferences(ctx context.Context, kind domain.ReferenceKind) ([]domain.ReferenceEntity, error)
	FindKrithisByComposerAndRaga(ctx context.Context, composerID, ragaID string) ([]*domain.Krithi, error)
	FindKrithisByCompressedTitle(ctx context.Context, compressed string) ([]*domain.Krithi, error)
	FindKrithisByTitlePrefix(ctx context.Context, prefix, composerID, ragaID string) ([]*domain.Krithi, error)
	ListLyricVariants(ctx context.Context, krithiID string) ([]*domain.LyricVariant, error)
}

// VariantMatcher handles ENRICH items.
type VariantMatcher interface {
	MatchVariants(ctx context.Context, req variant.Request) (*variant.Report, error)
}

// Voter recomputes a krithi's structural vote.
type Voter interface {
	Recompute(ctx context.Context, krithiID string) (*domain.VotingRecord, error)
}

// Indexer receives newly created krithis.
type Indexer interface {
	IndexDocuments(docs []*search.KrithiDocument) error
}

// Options configures a Processor. Matcher and Voter are required; Index is optional.
type Options struct {
	Validator *validation.Validator
	Matcher   VariantMatcher
	Voter     Voter
	Index     Indexer
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

// Processor ingests DONE extraction items.
type Processor struct {
	store     Store
	validator *validation.Validator
	matcher   VariantMatcher
	voter     Voter
	index     Indexer
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(s Store, opts Options) *Processor {
	v := opts.Validator
	if v == nil {
		v = validation.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:     s,
		validator: v,
		matcher:   opts.Matcher,
		voter:     opts.Voter,
		index:     opts.Index,
		metrics:   metrics.OrNop(opts.Metrics),
		logger:    logger,
		now:       time.Now,
	}
}

// ProcessCompleted ingests up to batchSize DONE items, then votes on every krithi the pass
// touched. Items that failed before are tried after fresh ones. A failing item is recorded in the report and left DONE; only a
// failure to list the queue is returned as an error.
func (p *Processor) ProcessCompleted(ctx context.Context, batchSize int) (*Report, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	items, err := p.store.ListProcessableExtractions(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("list done extractions: %w", err)
	}

	report := newReport()
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		p.process(ctx, item, report)
	}
	p.vote(ctx, report)

	if report.Processed > 0 {
		p.logger.Info("extraction pass finished",
			slog.Int("processed", report.Processed),
			slog.Int("ingested", report.Ingested),
			slog.Int("matched", report.Matched),
			slog.Int("created", report.Created),
			slog.Int("variant_matches", report.VariantMatches),
			slog.Int("failed", report.Failed),
			slog.Int("voted", report.Voted),
		)
	}
	return report, nil
}

// ProcessItem ingests a single item. An INGESTED item is skipped; any status other than
// DONE is a conflict.
func (p *Processor) ProcessItem(ctx context.Context, itemID string) (*Report, error) {
	item, err := p.store.GetExtraction(ctx, itemID)
	if err != nil {
		return nil, err
	}

	report := newReport()
	switch item.Status {
	case domain.ExtractionStatusIngested:
		report.Skipped++
		p.metrics.ExtractionItem(outcomeSkipped)
		return report, nil
	case domain.ExtractionStatusDone:
	default:
		return nil, domainerrors.Conflictf("extraction %s is %s", item.ID, item.Status)
	}

	p.process(ctx, item, report)
	p.vote(ctx, report)
	return report, nil
}

func (p *Processor) process(ctx context.Context, item *domain.ExtractionQueueItem, report *Report) {
	report.Processed++
	logger := p.logger.With(slog.String("extraction_id", item.ID), slog.String("intent", string(item.Intent)))

	result, err := ParsePayload(item.ResultPayload, p.validator)
	if err != nil {
		logger.Warn("malformed extraction payload", slog.Any("error", err))
		p.fail(ctx, item, report, outcomeMalformed, err)
		return
	}

	switch {
	case result.Empty():
		err = p.ingestEmpty(ctx, item, report)
	case item.Intent == domain.IntentEnrich:
		err = p.ingestEnrich(ctx, item, result.Extractions, report)
	default:
		err = p.ingestPrimary(ctx, item, result.Extractions, report)
	}
	if err != nil {
		logger.Error("extraction ingestion failed", slog.Any("error", err))
		p.fail(ctx, item, report, outcomeFailed, err)
	}
}

// fail records err on the item, which stays DONE for the next pass.
func (p *Processor) fail(ctx context.Context, item *domain.ExtractionQueueItem, report *Report, outcome string, err error) {
	report.Failed++
	report.addError("item "+item.ID, err)
	p.metrics.ExtractionItem(outcome)
	if recErr := p.store.RecordExtractionError(ctx, item.ID, err.Error(), p.now().UTC()); recErr != nil {
		p.logger.Error("failed to record extraction error",
			slog.String("extraction_id", item.ID),
			slog.Any("error", recErr),
		)
	}
}

func (p *Processor) ingestEmpty(ctx context.Context, item *domain.ExtractionQueueItem, report *Report) error {
	now := p.now().UTC()
	applied, err := p.store.MarkExtractionIngested(ctx, item.ID, p.ingestedAudit(item, now, map[string]any{"entries": 0}), now)
	if err != nil {
		return err
	}
	p.countIngested(applied, outcomeEmpty, report)
	return nil
}

func (p *Processor) ingestEnrich(ctx context.Context, item *domain.ExtractionQueueItem, extractions []domain.CanonicalExtraction, report *Report) error {
	if p.matcher == nil {
		return domainerrors.Internal("no variant matcher configured")
	}
	vr, err := p.matcher.MatchVariants(ctx, variant.Request{
		EnrichItemID:  item.ID,
		RelatedItemID: item.RelatedItemID,
		SourceURL:     item.SourceURL,
		Extractions:   extractions,
	})
	if err != nil {
		return fmt.Errorf("match variants: %w", err)
	}
	report.VariantMatches += len(vr.Matches)
	report.touch(vr.KrithiIDs...)

	now := p.now().UTC()
	audit := p.ingestedAudit(item, now, map[string]any{
		"entries":       len(extractions),
		"auto_approved": vr.AutoApproved,
		"pending":       vr.Pending,
		"unmatched":     vr.Unmatched,
	})
	applied, err := p.store.MarkExtractionIngested(ctx, item.ID, audit, now)
	if err != nil {
		return err
	}
	p.countIngested(applied, outcomeIngested, report)
	return nil
}

func (p *Processor) ingestPrimary(ctx context.Context, item *domain.ExtractionQueueItem, extractions []domain.CanonicalExtraction, report *Report) error {
	pl := newPlanner(p, item)
	for i := range extractions {
		if err := pl.addEntry(ctx, i, &extractions[i]); err != nil {
			if domainerrors.CodeOf(err) == domainerrors.CodeValidation {
				report.InvalidEntries++
				report.addError("item "+item.ID, err)
				p.metrics.ExtractionEntry("invalid")
				continue
			}
			return fmt.Errorf("entry %d: %w", i, err)
		}
	}

	plan := pl.finish(map[string]any{
		"entries": len(extractions),
		"matched": len(pl.matched),
		"created": len(pl.plan.Krithis),
	})
	applied, err := p.store.ApplyIngestion(ctx, plan)
	if err != nil {
		return fmt.Errorf("apply ingestion: %w", err)
	}
	p.countIngested(applied, outcomeIngested, report)
	if !applied {
		return nil
	}

	report.Matched += len(pl.matched)
	report.Created += len(plan.Krithis)
	for _, e := range plan.Evidence {
		report.touch(e.KrithiID)
	}
	for range pl.matched {
		p.metrics.ExtractionEntry("matched")
	}
	for range plan.Krithis {
		p.metrics.ExtractionEntry("created")
	}
	p.indexCreated(plan.Krithis)
	return nil
}

func (p *Processor) countIngested(applied bool, outcome string, report *Report) {
	if !applied {
		report.Skipped++
		p.metrics.ExtractionItem(outcomeSkipped)
		return
	}
	report.Ingested++
	p.metrics.ExtractionItem(outcome)
}

func (p *Processor) indexCreated(krithis []*domain.Krithi) {
	if p.index == nil || len(krithis) == 0 {
		return
	}
	docs := make([]*search.KrithiDocument, len(krithis))
	for i, k := range krithis {
		docs[i] = search.KrithiToDocument(k)
	}
	if err := p.index.IndexDocuments(docs); err != nil {
		p.logger.Warn("failed to index new krithis", slog.Int("count", len(docs)), slog.Any("error", err))
	}
}

func (p *Processor) vote(ctx context.Context, report *Report) {
	if p.voter == nil {
		return
	}
	for _, kid := range report.KrithiIDs {
		if ctx.Err() != nil {
			return
		}
		rec, err := p.voter.Recompute(ctx, kid)
		if err != nil {
			p.logger.Error("voting failed", slog.String("krithi_id", kid), slog.Any("error", err))
			report.addError("vote "+kid, err)
			continue
		}
		if rec != nil {
			report.Voted++
		}
	}
}

func (p *Processor) ingestedAudit(item *domain.ExtractionQueueItem, at time.Time, metadata map[string]any) *domain.AuditEntry {
	metadata["intent"] = string(item.Intent)
	return &domain.AuditEntry{
		ID:          id.MustGenerate(id.AuditEntry),
		Action:      domain.AuditExtractionIngested,
		EntityTable: "extraction_queue",
		EntityID:    item.ID,
		Actor:       domain.SystemActor,
		Metadata:    metadata,
		CreatedAt:   at,
	}
}
