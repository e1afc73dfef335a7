package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner executes tasks and waits for them to settle. The daemon hands it a
// signal-aware context; cancelling that context cancels every running task.
type Runner struct {
	log *slog.Logger

	mu   sync.Mutex
	errs []error
	wg   sync.WaitGroup
}

func NewRunner(log *slog.Logger) *Runner {
	return &Runner{log: log.With(slog.String("component", "pipeline-runner"))}
}

// Run executes a single task to completion.
func (r *Runner) Run(ctx context.Context, t *Task) error {
	start := time.Now()
	r.log.Info("task starting")
	err := t.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("task finished with error",
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return err
	}
	r.log.Info("task finished", slog.Duration("elapsed", time.Since(start)))
	return nil
}

// Go runs a task concurrently; Wait collects the results.
func (r *Runner) Go(ctx context.Context, t *Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.Run(ctx, t); err != nil {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		}
	}()
}

// Wait blocks until every task launched with Go has settled.
func (r *Runner) Wait() error {
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	err := errors.Join(r.errs...)
	r.errs = nil
	return err
}
