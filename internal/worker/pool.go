// Package worker runs the polling workers that execute queued tasks and the reaper that
// recovers abandoned ones.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/krithibase/krithibase-server/internal/domain"
	domainerrors "github.com/krithibase/krithibase-server/internal/errors"
	"github.com/krithibase/krithibase-server/internal/id"
	"github.com/krithibase/krithibase-server/internal/metrics"
	"github.com/krithibase/krithibase-server/internal/store"
)

// TaskStore is the queue side of the store.
type TaskStore interface {
	ClaimTask(ctx context.Context, jobType domain.JobType, owner string, at time.Time) (*domain.Task, error)
	CompleteTask(ctx context.Context, outcome store.TaskOutcome, audit *domain.AuditEntry) (store.TaskCompletion, error)
}

// Handler executes one claimed task. A nil error means success; otherwise the error's
// domain code decides the task status.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *domain.Task) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, task *domain.Task) error { return f(ctx, task) }

// Options sizes the pool.
type Options struct {
	ManifestWorkers int
	ScrapeWorkers   int
	PollInterval    time.Duration
	MaxAttempts     int
}

// Pool runs ManifestWorkers + ScrapeWorkers polling goroutines.
type Pool struct {
	store    TaskStore
	handlers map[domain.JobType]Handler
	opts     Options
	owner    string
	logger   *slog.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	ctx    context.Context //nolint:containedctx // Context needed for worker lifecycle management
	cancel context.CancelFunc
	wg     sync.WaitGroup
	notify chan struct{} // new work is available
	once   sync.Once
}

// New creates a pool. Register handlers before calling Start.
func New(s TaskStore, opts Options, recorder metrics.Recorder, logger *slog.Logger) *Pool {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		store:    s,
		handlers: make(map[domain.JobType]Handler),
		opts:     opts,
		owner:    uuid.NewString(),
		logger:   logger,
		metrics:  metrics.OrNop(recorder),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		notify:   make(chan struct{}, 1),
	}
}

// Register sets the handler for jobType.
func (p *Pool) Register(jobType domain.JobType, h Handler) {
	p.handlers[jobType] = h
}

// Owner is the token recorded as claimed_by on this pool's tasks.
func (p *Pool) Owner() string { return p.owner }

// Start launches the workers.
func (p *Pool) Start() {
	p.logger.Info("starting task workers",
		slog.Int("manifest_workers", p.opts.ManifestWorkers),
		slog.Int("scrape_workers", p.opts.ScrapeWorkers),
		slog.Duration("poll_interval", p.opts.PollInterval),
		slog.String("owner", p.owner),
	)
	for i := range p.opts.ManifestWorkers {
		p.wg.Add(1)
		go p.worker(domain.JobTypeManifestIngest, i)
	}
	for i := range p.opts.ScrapeWorkers {
		p.wg.Add(1)
		go p.worker(domain.JobTypeScrape, i)
	}
}

// Stop cancels the workers and waits for them. A task claimed but not finished stays
// RUNNING until the reaper recovers it.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.logger.Info("stopping task workers")
		p.cancel()
		p.wg.Wait()
		p.logger.Info("task workers stopped")
	})
}

// Notify wakes an idle worker.
func (p *Pool) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
		// Already notified
	}
}

func (p *Pool) worker(jobType domain.JobType, n int) {
	defer p.wg.Done()

	log := p.logger.With(slog.String("job_type", string(jobType)), slog.Int("worker_id", n))
	log.Debug("task worker started")

	timer := time.NewTimer(p.opts.PollInterval)
	defer timer.Stop()

	for {
		if p.ctx.Err() != nil {
			log.Debug("task worker stopping")
			return
		}

		worked, err := p.RunOnce(p.ctx, jobType)
		if err != nil && p.ctx.Err() == nil {
			log.Error("claim failed", slog.Any("error", err))
		}
		if worked {
			continue
		}

		timer.Reset(p.opts.PollInterval)
		select {
		case <-p.ctx.Done():
			log.Debug("task worker stopping")
			return
		case <-p.notify:
		case <-timer.C:
		}
	}
}

// RunOnce claims and executes at most one task of jobType. It reports whether a task was claimed.
func (p *Pool) RunOnce(ctx context.Context, jobType domain.JobType) (bool, error) {
	task, err := p.store.ClaimTask(ctx, jobType, p.owner, p.now().UTC())
	if err != nil {
		return false, fmt.Errorf("claim %s task: %w", jobType, err)
	}
	if task == nil {
		return false, nil
	}
	p.execute(ctx, task)
	return true, nil
}

// execute runs the handler and always records the outcome, including after a panic.
func (p *Pool) execute(ctx context.Context, task *domain.Task) {
	start := p.now()
	var err error

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task handler panicked",
				slog.String("task_id", task.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = domainerrors.Internal(fmt.Sprintf("handler panic: %v", r))
		}
		p.record(ctx, task, err, p.now().Sub(start))
	}()

	if task.Exhausted(p.opts.MaxAttempts) {
		err = domainerrors.Permanentf("attempts exhausted (%d > %d)", task.Attempt, p.opts.MaxAttempts)
		return
	}
	h, ok := p.handlers[task.JobType]
	if !ok {
		err = domainerrors.Permanentf("no handler for job type %s", task.JobType)
		return
	}
	err = h.Handle(ctx, task)
}

func (p *Pool) record(ctx context.Context, task *domain.Task, err error, d time.Duration) {
	log := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("batch_id", task.BatchID),
		slog.Int("attempt", task.Attempt),
	)

	if err != nil && ctx.Err() != nil {
		// Shutting down mid-task: leave it RUNNING for the reaper.
		log.Warn("task interrupted by shutdown", slog.Any("error", err))
		return
	}

	status := OutcomeStatus(task, err, p.opts.MaxAttempts)
	outcome := store.TaskOutcome{
		TaskID:   task.ID,
		Status:   status,
		Error:    taskError(task, err),
		Duration: d,
		At:       p.now().UTC(),
		FailJob:  task.Exhausted(p.opts.MaxAttempts),
	}

	var audit *domain.AuditEntry
	if task.JobType == domain.JobTypeManifestIngest && status == domain.TaskStatusFailed {
		audit = &domain.AuditEntry{
			ID:          id.MustGenerate(id.AuditEntry),
			Action:      domain.AuditManifestFailed,
			EntityTable: "batches",
			EntityID:    task.BatchID,
			Actor:       domain.SystemActor,
			Metadata: map[string]any{
				"task_id":  task.ID,
				"manifest": task.WorkKey,
				"error":    err.Error(),
			},
			CreatedAt: outcome.At,
		}
	}

	completion, recErr := p.store.CompleteTask(context.WithoutCancel(ctx), outcome, audit)
	if recErr != nil {
		log.Error("failed to record task outcome", slog.String("status", string(status)), slog.Any("error", recErr))
		return
	}
	if !completion.Applied {
		log.Debug("task outcome not applied; task already left RUNNING", slog.String("status", string(status)))
		return
	}

	p.metrics.TaskFinished(string(task.JobType), string(status), d)
	switch {
	case err == nil:
		log.Debug("task succeeded", slog.Duration("duration", d))
	case status == domain.TaskStatusRetryable:
		log.Warn("task failed, will retry", slog.Any("error", err))
	default:
		log.Error("task finished unsuccessfully", slog.String("status", string(status)), slog.Any("error", err))
	}
	if completion.BatchCompleted {
		p.metrics.BatchCompleted(string(completion.BatchStatus))
		log.Info("batch completed", slog.String("status", string(completion.BatchStatus)))
	}
}

// OutcomeStatus maps a handler result onto a task status.
func OutcomeStatus(task *domain.Task, err error, maxAttempts int) domain.TaskStatus {
	if err == nil {
		return domain.TaskStatusSucceeded
	}
	switch domainerrors.CodeOf(err) {
	case domainerrors.CodeBlocked:
		return domain.TaskStatusBlocked
	case domainerrors.CodeTransient:
		if task.Attempt < maxAttempts {
			return domain.TaskStatusRetryable
		}
		return domain.TaskStatusFailed
	default:
		return domain.TaskStatusFailed
	}
}

func taskError(task *domain.Task, err error) *domain.TaskError {
	if err == nil {
		return nil
	}
	fields := map[string]any{
		"attempt": task.Attempt,
		"code":    string(domainerrors.CodeOf(err)),
	}
	if task.SourceURL != "" {
		fields["url"] = task.SourceURL
	}
	var domainErr *domainerrors.Error
	if domainerrors.As(err, &domainErr) {
		if details, ok := domainErr.Details.(map[string]any); ok {
			for k, v := range details {
				fields[k] = v
			}
		}
	}
	return domain.NewTaskError(err, fields)
}
