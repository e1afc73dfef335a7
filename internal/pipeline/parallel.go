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

// Parallel fans frames out to independent branches that share one upstream
// source and converge on one downstream sink. Branches progress at their own
// rate; ordering across branches is not guaranteed.
type Parallel struct {
	name     string
	log      *slog.Logger
	branches []proc.Stage
	fanout   *fanOut
	fanin    *fanIn

	mu      sync.Mutex
	started bool
	prev    proc.Stage
	next    proc.Stage

	endRemaining int
	branchErrs   []error

	cancelOnce sync.Once
}

// NewParallel wires every branch between a shared fan-out and fan-in point.
func NewParallel(name string, log *slog.Logger, branches ...proc.Stage) (*Parallel, error) {
	if len(branches) == 0 {
		return nil, &proc.ConfigurationError{Proc: name, Reason: "parallel pipeline needs at least one branch"}
	}
	par := &Parallel{
		name:     name,
		log:      log.With(slog.String("pipeline", name)),
		branches: branches,
	}
	par.fanout = &fanOut{par: par}
	par.fanin = &fanIn{par: par}
	for _, b := range branches {
		if err := b.Link(par.fanin); err != nil {
			return nil, fmt.Errorf("link branch %s: %w", b.Name(), err)
		}
		b.SetUpstream(par.fanout)
	}
	return par, nil
}

func (par *Parallel) Name() string { return par.name }

func (par *Parallel) Link(next proc.Stage) error {
	par.mu.Lock()
	defer par.mu.Unlock()
	if par.started {
		return &proc.ConfigurationError{Proc: par.name, Reason: "link after start"}
	}
	par.next = next
	next.SetUpstream(par)
	return nil
}

func (par *Parallel) SetUpstream(prev proc.Stage) {
	par.mu.Lock()
	defer par.mu.Unlock()
	par.prev = prev
}

// Push duplicates Data and Control frames per branch and routes System
// frames to every branch as-is. An EndFrame arms the completion barrier:
// the parallel pipeline's own EndFrame is deferred until every branch has
// delivered its copy to the fan-in.
func (par *Parallel) Push(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if dir == frame.Upstream {
		var errs []error
		for _, b := range par.branches {
			copy := f
			if f.Category() != frame.CategorySystem {
				copy = frame.Clone(f)
			}
			if err := b.Push(ctx, copy, dir); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if f.Category() == frame.CategorySystem {
		var errs []error
		for _, b := range par.branches {
			if err := b.Push(ctx, f, dir); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	if _, ok := f.(*frame.EndFrame); ok {
		par.mu.Lock()
		par.endRemaining = len(par.branches)
		par.mu.Unlock()
	}

	var errs []error
	for _, b := range par.branches {
		if err := b.Push(ctx, frame.Clone(f), dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (par *Parallel) Start(ctx context.Context) error {
	par.mu.Lock()
	if par.started {
		par.mu.Unlock()
		return &proc.LifecycleError{Proc: par.name, Op: "start", State: proc.StateStarted}
	}
	par.started = true
	par.mu.Unlock()

	for i, b := range par.branches {
		if err := b.Start(ctx); err != nil {
			for j := 0; j < i; j++ {
				_ = par.branches[j].Cancel()
			}
			return fmt.Errorf("start branch %s: %w", b.Name(), err)
		}
	}
	return nil
}

// Stop drains every branch and then surfaces branch failures collected while
// they settled.
func (par *Parallel) Stop(ctx context.Context) error {
	var errs []error
	for _, b := range par.branches {
		if err := b.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop branch %s: %w", b.Name(), err))
		}
	}
	par.mu.Lock()
	errs = append(errs, par.branchErrs...)
	par.branchErrs = nil
	par.mu.Unlock()
	return errors.Join(errs...)
}

func (par *Parallel) Cancel() error {
	var err error
	par.cancelOnce.Do(func() {
		var errs []error
		for _, b := range par.branches {
			if cerr := b.Cancel(); cerr != nil {
				errs = append(errs, fmt.Errorf("cancel branch %s: %w", b.Name(), cerr))
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

func (par *Parallel) emitDownstream(ctx context.Context, f frame.Frame) error {
	par.mu.Lock()
	next := par.next
	par.mu.Unlock()
	if next == nil {
		return nil
	}
	return next.Push(ctx, f, frame.Downstream)
}

func (par *Parallel) emitUpstream(ctx context.Context, f frame.Frame) error {
	par.mu.Lock()
	prev := par.prev
	par.mu.Unlock()
	if prev == nil {
		return nil
	}
	return prev.Push(ctx, f, frame.Upstream)
}

// branchEnded counts one branch's EndFrame at the fan-in. The last branch to
// settle releases the barrier; branch failures become a pipeline-level error
// frame only once every branch has settled.
func (par *Parallel) branchEnded(ctx context.Context) error {
	par.mu.Lock()
	if par.endRemaining == 0 {
		par.mu.Unlock()
		return nil
	}
	par.endRemaining--
	remaining := par.endRemaining
	var settledErrs []error
	if remaining == 0 {
		settledErrs = append([]error(nil), par.branchErrs...)
	}
	par.mu.Unlock()

	if remaining > 0 {
		return nil
	}
	if len(settledErrs) > 0 {
		ef := frame.NewError(par.name, errors.Join(settledErrs...).Error(), false)
		if err := par.emitUpstream(ctx, ef); err != nil {
			par.log.Warn("failed to surface branch errors", slog.String("error", err.Error()))
		}
	}
	return par.emitDownstream(ctx, frame.NewEnd())
}

func (par *Parallel) recordBranchError(ef *frame.ErrorFrame) {
	par.mu.Lock()
	defer par.mu.Unlock()
	par.branchErrs = append(par.branchErrs, errors.New(ef.Message))
}

// recentIDs remembers the last few System frame IDs that crossed a shared
// point. A broadcast arrives once per branch and branch traversals interleave,
// so membership over a window dedupes where a single last-seen ID would not.
type recentIDs struct {
	mu   sync.Mutex
	ring [16]uint64
	next int
}

// seen reports whether id was recorded before, recording it if not.
func (r *recentIDs) seen(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.ring {
		if v == id {
			return true
		}
	}
	r.ring[r.next] = id
	r.next = (r.next + 1) % len(r.ring)
	return false
}

// fanOut sits upstream of every branch head. Control signals escaping a
// branch toward the source pass through here once.
type fanOut struct {
	par *Parallel
	sys recentIDs
}

func (s *fanOut) Name() string                { return s.par.name + ".fan-out" }
func (s *fanOut) Link(next proc.Stage) error  { return nil }
func (s *fanOut) SetUpstream(prev proc.Stage) {}
func (s *fanOut) Start(ctx context.Context) error {
	return nil
}
func (s *fanOut) Stop(ctx context.Context) error { return nil }
func (s *fanOut) Cancel() error                  { return nil }

func (s *fanOut) Push(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if ef, ok := f.(*frame.ErrorFrame); ok {
		s.par.recordBranchError(ef)
	}
	if f.Category() == frame.CategorySystem && s.sys.seen(f.ID()) {
		return nil
	}
	return s.par.emitUpstream(ctx, f)
}

// fanIn is the convergence point shared by every branch tail. Concurrent
// branch emissions are serialized here before they continue downstream.
type fanIn struct {
	par *Parallel
	sys recentIDs

	mu sync.Mutex
}

func (s *fanIn) Name() string                { return s.par.name + ".fan-in" }
func (s *fanIn) Link(next proc.Stage) error  { return nil }
func (s *fanIn) SetUpstream(prev proc.Stage) {}
func (s *fanIn) Start(ctx context.Context) error {
	return nil
}
func (s *fanIn) Stop(ctx context.Context) error { return nil }
func (s *fanIn) Cancel() error                  { return nil }

func (s *fanIn) Push(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	if dir == frame.Upstream {
		return s.par.Push(ctx, f, dir)
	}
	if _, ok := f.(*frame.EndFrame); ok {
		return s.par.branchEnded(ctx)
	}
	if f.Category() == frame.CategorySystem {
		if s.sys.seen(f.ID()) {
			return nil
		}
		return s.par.emitDownstream(ctx, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.par.emitDownstream(ctx, f)
}
