package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SubmitFunc turns a settled manifest into a batch.
type SubmitFunc func(ctx context.Context, path string) error

// Inbox submits every manifest dropped into a directory.
type Inbox struct {
	dir     string
	watcher *Watcher
	submit  SubmitFunc
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewInbox creates an inbox for dir. Files already present are left alone.
func NewInbox(dir string, submit SubmitFunc, opts Options, logger *slog.Logger) (*Inbox, error) {
	w, err := New(logger, opts)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(dir); err != nil {
		_ = w.Stop()
		return nil, fmt.Errorf("manifest inbox: %w", err)
	}
	return &Inbox{
		dir:     dir,
		watcher: w,
		submit:  submit,
		logger:  logger,
	}, nil
}

// Start begins submitting manifests in the background.
func (i *Inbox) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.done = make(chan struct{})

	go func() {
		_ = i.watcher.Start(ctx)
	}()
	go i.consume(ctx)

	i.logger.Info("manifest inbox started", slog.String("dir", i.dir))
}

func (i *Inbox) consume(ctx context.Context) {
	defer close(i.done)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-i.watcher.Events():
			if !ok {
				return
			}
			if event.Type != EventAdded {
				continue
			}
			if err := i.submit(ctx, event.Path); err != nil {
				i.logger.Warn("manifest submission failed",
					slog.String("path", event.Path),
					slog.Any("error", err),
				)
				continue
			}
			i.logger.Info("manifest submitted from inbox", slog.String("path", event.Path))
		case err, ok := <-i.watcher.Errors():
			if !ok {
				return
			}
			i.logger.Warn("manifest inbox watch error", slog.Any("error", err))
		}
	}
}

// Stop ends the inbox and waits for an in-progress submission.
func (i *Inbox) Stop() {
	i.once.Do(func() {
		if i.cancel != nil {
			i.cancel()
			<-i.done
		}
		if err := i.watcher.Stop(); err != nil {
			i.logger.Warn("stop manifest watcher", slog.Any("error", err))
		}
		i.logger.Info("manifest inbox stopped")
	})
}
