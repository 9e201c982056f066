package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krithibase/krithibase-server/internal/domain"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/store"
)

// ReaperStore is the recovery side of the store.
type ReaperStore interface {
	ReapStaleTasks(ctx context.Context, cutoff time.Time, maxAttempts int, at time.Time) (store.ReapResult, error)
	PromoteRetryable(ctx context.Context, olderThan, at time.Time) (int, error)
}

// ReaperOptions configures the reaper.
type ReaperOptions struct {
	Interval         time.Duration
	StaleTaskTimeout time.Duration
	RetryBackoff     time.Duration
	MaxAttempts      int
}

// ReapReport summarizes one reaper pass.
type ReapReport struct {
	store.ReapResult
	Promoted int
}

// Reaper periodically recovers abandoned RUNNING tasks and requeues RETRYABLE ones.
type Reaper struct {
	store   ReaperStore
	opts    ReaperOptions
	notify  func()
	metrics metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewReaper creates a reaper. notify, if set, is called when tasks return to PENDING.
func NewReaper(s ReaperStore, opts ReaperOptions, notify func(), recorder metrics.Recorder, logger *slog.Logger) *Reaper {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if notify == nil {
		notify = func() {}
	}
	return &Reaper{
		store:   s,
		opts:    opts,
		notify:  notify,
		metrics: metrics.OrNop(recorder),
		logger:  logger,
		now:     time.Now,
	}
}

// Start runs a pass immediately and then on every interval until Stop.
func (r *Reaper) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(r.opts.Interval)
		defer ticker.Stop()

		for {
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("reaper pass failed", slog.Any("error", err))
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info("task reaper started",
		slog.Duration("interval", r.opts.Interval),
		slog.Duration("stale_timeout", r.opts.StaleTaskTimeout),
		slog.Duration("retry_backoff", r.opts.RetryBackoff),
	)
}

// Stop ends the loop and waits for an in-progress pass.
func (r *Reaper) Stop() {
	r.once.Do(func() {
		if r.cancel == nil {
			return
		}
		r.cancel()
		<-r.done
	})
}

// RunOnce reaps stale tasks, then promotes RETRYABLE tasks past the backoff.
func (r *Reaper) RunOnce(ctx context.Context) (ReapReport, error) {
	now := r.now().UTC()

	reaped, err := r.store.ReapStaleTasks(ctx, now.Add(-r.opts.StaleTaskTimeout), r.opts.MaxAttempts, now)
	if err != nil {
		return ReapReport{}, err
	}
	report := ReapReport{ReapResult: reaped}

	report.Promoted, err = r.store.PromoteRetryable(ctx, now.Add(-r.opts.RetryBackoff), now)
	if err != nil {
		return report, err
	}

	for range reaped.CompletedBatches {
		r.metrics.BatchCompleted(string(domain.BatchStatusFailed))
	}
	if report.Requeued+report.Failed+report.Promoted > 0 {
		r.logger.Info("reaper pass",
			slog.Int("requeued", report.Requeued),
			slog.Int("failed", report.Failed),
			slog.Int("promoted", report.Promoted),
			slog.Int("completed_batches", len(report.CompletedBatches)),
		)
	}
	if report.Promoted > 0 {
		r.notify()
	}
	return report, nil
}
