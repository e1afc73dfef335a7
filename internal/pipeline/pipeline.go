package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// Pipeline composes stages into a directed chain. It implements proc.Stage
// itself, so a pipeline nests as a single stage of a larger pipeline.
type Pipeline struct {
	name   string
	log    *slog.Logger
	stages []proc.Stage

	mu      sync.Mutex
	started bool
	prev    proc.Stage
	next    proc.Stage

	cancelOnce sync.Once
}

// New auto-links each stage to the next. The first stage's upstream and the
// last stage's downstream remain the pipeline's own boundary.
func New(name string, log *slog.Logger, stages ...proc.Stage) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, &proc.ConfigurationError{Proc: name, Reason: "pipeline needs at least one stage"}
	}
	for i := 0; i < len(stages)-1; i++ {
		if err := stages[i].Link(stages[i+1]); err != nil {
			return nil, fmt.Errorf("link %s to %s: %w", stages[i].Name(), stages[i+1].Name(), err)
		}
	}
	return &Pipeline{
		name:   name,
		log:    log.With(slog.String("pipeline", name)),
		stages: stages,
	}, nil
}

func (pl *Pipeline) Name() string { return pl.name }

func (pl *Pipeline) head() proc.Stage { return pl.stages[0] }
func (pl *Pipeline) tail() proc.Stage { return pl.stages[len(pl.stages)-1] }

func (pl *Pipeline) Link(next proc.Stage) error {
	pl.mu.Lock()
	if pl.started {
		pl.mu.Unlock()
		return &proc.ConfigurationError{Proc: pl.name, Reason: "link after start"}
	}
	pl.next = next
	pl.mu.Unlock()
	return pl.tail().Link(next)
}

func (pl *Pipeline) SetUpstream(prev proc.Stage) {
	pl.mu.Lock()
	pl.prev = prev
	pl.mu.Unlock()
	pl.head().SetUpstream(prev)
}

// Push enters at the head for downstream frames and at the tail for control
// feedback travelling upstream.
func (pl *Pipeline) Push(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if dir == frame.Upstream {
		return pl.tail().Push(ctx, f, dir)
	}
	return pl.head().Push(ctx, f, dir)
}

// Start broadcasts to every member in link order. If a member fails to
// start, the members already running are cancelled.
func (pl *Pipeline) Start(ctx context.Context) error {
	pl.mu.Lock()
	if pl.started {
		pl.mu.Unlock()
		return &proc.LifecycleError{Proc: pl.name, Op: "start", State: proc.StateStarted}
	}
	pl.started = true
	pl.mu.Unlock()

	for i, st := range pl.stages {
		if err := st.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = pl.stages[j].Cancel()
			}
			return fmt.Errorf("start %s: %w", st.Name(), err)
		}
	}
	pl.log.Debug("pipeline started", slog.Int("stages", len(pl.stages)))
	return nil
}

// Stop broadcasts in link order, letting each member drain before the next
// is asked to stop. Errors are aggregated, not short-circuited.
func (pl *Pipeline) Stop(ctx context.Context) error {
	var errs []error
	for _, st := range pl.stages {
		if err := st.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", st.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Cancel broadcasts to every member without waiting for queues to drain.
// Repeated calls are no-ops.
func (pl *Pipeline) Cancel() error {
	var err error
	pl.cancelOnce.Do(func() {
		var errs []error
		for _, st := range pl.stages {
			if cerr := st.Cancel(); cerr != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", st.Name(), cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}
