package extraction

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Runner calls the processor on an interval, and early when notified of new results.
type Runner struct {
	processor *Processor
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	wake      chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewRunner creates a runner. A non-positive interval defaults to 15s.
func NewRunner(p *Processor, interval time.Duration, batchSize int, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Runner{
		processor: p,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		wake:      make(chan struct{}, 1),
	}
}

// Notify schedules a pass without waiting for the interval. It never blocks.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs passes until Stop.
func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-r.wake:
			case <-ctx.Done():
				return
			}
			r.runPass(ctx)
		}
	}()

	r.logger.Info("extraction runner started",
		slog.Duration("interval", r.interval),
		slog.Int("batch_size", r.batchSize),
	)
}

// runPass keeps draining while full batches come back, so a backlog does not wait an
// interval per batch.
func (r *Runner) runPass(ctx context.Context) {
	for ctx.Err() == nil {
		report, err := r.processor.ProcessCompleted(ctx, r.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("extraction pass failed", slog.Any("error", err))
			}
			return
		}
		if err := report.Err(); err != nil {
			r.logger.Warn("extraction pass had item errors", slog.Any("error", err))
		}
		if report.Ingested == 0 || report.Processed < r.effectiveBatchSize() {
			return
		}
	}
}

func (r *Runner) effectiveBatchSize() int {
	if r.batchSize <= 0 {
		return DefaultBatchSize
	}
	return r.batchSize
}

// Stop ends the loop and waits for an in-progress pass.
func (r *Runner) Stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
		r.logger.Info("extraction runner stopped")
	})
}
