package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/extraction"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/validation"
)

// ExtractionStore is the queue side of the store.
type ExtractionStore interface {
	EnqueueExtraction(ctx context.Context, item *domain.ExtractionQueueItem) error
	GetExtraction(ctx context.Context, id string) (*domain.ExtractionQueueItem, error)
	ListExtractionsByStatus(ctx context.Context, status domain.ExtractionStatus, limit int) ([]*domain.ExtractionQueueItem, error)
	ClaimExtraction(ctx context.Context, at time.Time) (*domain.ExtractionQueueItem, error)
	CompleteExtraction(ctx context.Context, id, resultPayload string, at time.Time) error
	FailExtraction(ctx context.Context, id, message string, at time.Time) error
}

// EnqueueExtractionInput asks the external extractor to process a source.
type EnqueueExtractionInput struct {
	SourceURL     string `json:"source_url" validate:"required,httpurl"`
	Format        string `json:"format" validate:"required,oneof=HTML PDF TEXT"`
	Intent        string `json:"intent" validate:"required,oneof=PRIMARY ENRICH"`
	RelatedItemID string `json:"related_item_id,omitempty" validate:"required_if=Intent ENRICH"`
	Content       string `json:"content,omitempty"`
}

// ExtractionResultInput is what the extractor posts back. Exactly one of Payload and Error is set.
type ExtractionResultInput struct {
	Payload string `json:"payload,omitempty" validate:"required_without=Error"`
	Error   string `json:"error,omitempty" validate:"required_without=Payload,excluded_with=Payload"`
}

// ExtractionService fronts the extraction queue for the external extractor and operators.
type ExtractionService struct {
	store     ExtractionStore
	processor *extraction.Processor
	validator *validation.Validator
	notify    func()
	logger    *slog.Logger
	now       func() time.Time
}

// NewExtractionService creates the service. notify is called when a result arrives.
func NewExtractionService(s ExtractionStore, p *extraction.Processor, v *validation.Validator, notify func(), logger *slog.Logger) *ExtractionService {
	if notify == nil {
		notify = func() {}
	}
	return &ExtractionService{
		store:     s,
		processor: p,
		validator: v,
		notify:    notify,
		logger:    logger,
		now:       time.Now,
	}
}

// Enqueue adds a PENDING extraction request. An ENRICH request must name an existing
// PRIMARY item whose krithis it enriches.
func (s *ExtractionService) Enqueue(ctx context.Context, input EnqueueExtractionInput) (*domain.ExtractionQueueItem, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	intent := domain.ExtractionIntent(input.Intent)
	if intent == domain.IntentEnrich {
		related, err := s.store.GetExtraction(ctx, input.RelatedItemID)
		if err != nil {
			return nil, err
		}
		if related.Intent != domain.IntentPrimary {
			return nil, domainerrors.Validationf("related item %s is %s, not PRIMARY", related.ID, related.Intent)
		}
	}

	now := s.now().UTC()
	item := &domain.ExtractionQueueItem{
		ID:            id.MustGenerate(id.Extraction),
		SourceURL:     strings.TrimSpace(input.SourceURL),
		Format:        domain.SourceFormat(input.Format),
		Intent:        intent,
		RelatedItemID: input.RelatedItemID,
		Content:       input.Content,
		Status:        domain.ExtractionStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.EnqueueExtraction(ctx, item); err != nil {
		return nil, err
	}
	s.logger.Info("extraction enqueued",
		slog.String("extraction_id", item.ID),
		slog.String("intent", string(item.Intent)),
		slog.String("source_url", item.SourceURL),
	)
	return item, nil
}

// Get returns a queue item.
func (s *ExtractionService) Get(ctx context.Context, itemID string) (*domain.ExtractionQueueItem, error) {
	return s.store.GetExtraction(ctx, itemID)
}

// List returns items in the given status, oldest first.
func (s *ExtractionService) List(ctx context.Context, status domain.ExtractionStatus, limit int) ([]*domain.ExtractionQueueItem, error) {
	return s.store.ListExtractionsByStatus(ctx, status, limit)
}

// Claim leases the oldest PENDING item. It returns nil when the queue is empty.
func (s *ExtractionService) Claim(ctx context.Context) (*domain.ExtractionQueueItem, error) {
	return s.store.ClaimExtraction(ctx, s.now().UTC())
}

// PostResult records the extractor's outcome for an item. The payload is stored as given;
// it is parsed when the item is processed.
func (s *ExtractionService) PostResult(ctx context.Context, itemID string, input ExtractionResultInput) (*domain.ExtractionQueueItem, error) {
	if err := s.validator.Validate(input); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if input.Error != "" {
		if err := s.store.FailExtraction(ctx, itemID, input.Error, now); err != nil {
			return nil, err
		}
		s.logger.Warn("extraction failed", slog.String("extraction_id", itemID), slog.String("error", input.Error))
		return s.store.GetExtraction(ctx, itemID)
	}

	if err := s.store.CompleteExtraction(ctx, itemID, input.Payload, now); err != nil {
		return nil, err
	}
	s.notify()
	return s.store.GetExtraction(ctx, itemID)
}

// Process runs one processor pass.
func (s *ExtractionService) Process(ctx context.Context, batchSize int) (*extraction.Report, error) {
	return s.processor.ProcessCompleted(ctx, batchSize)
}

// ProcessItem processes a single DONE item.
func (s *ExtractionService) ProcessItem(ctx context.Context, itemID string) (*extraction.Report, error) {
	return s.processor.ProcessItem(ctx, itemID)
}
