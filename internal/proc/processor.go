package proc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/metrics"
)

// Stage is anything frames can be pushed into: a single Processor or a whole
// pipeline acting as one. Link establishes the downstream neighbor and is
// bidirectional; SetUpstream is the back half of that handshake.
type Stage interface {
	Name() string
	Link(next Stage) error
	SetUpstream(prev Stage)
	Push(ctx context.Context, f frame.Frame, dir frame.Direction) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Cancel() error
}

const (
	defaultQueueCapacity = 64
	releaseTimeout       = 5 * time.Second
)

type item struct {
	f     frame.Frame
	dir   frame.Direction
	gen   uint64
	drain chan struct{}
}

// Processor is a single concurrently scheduled pipeline stage. It owns its
// queue and state exclusively; neighbors communicate only through Push.
type Processor struct {
	name    string
	handler Handler
	log     *slog.Logger
	rec     *metrics.Recorder

	mu    sync.Mutex
	state State
	prev  Stage
	next  Stage

	queue chan item
	gen   atomic.Uint64
	quit  chan struct{}
	done  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	shutOnce sync.Once
	termOnce sync.Once

	out *Output
}

// Option configures a Processor.
type Option func(*Processor)

func WithLogger(log *slog.Logger) Option {
	return func(p *Processor) { p.log = log }
}

func WithQueueCapacity(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.queue = make(chan item, n)
		}
	}
}

func WithMetrics(rec *metrics.Recorder) Option {
	return func(p *Processor) { p.rec = rec }
}

func New(name string, handler Handler, opts ...Option) *Processor {
	if handler == nil {
		handler = Passthrough()
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	p := &Processor{
		name:      name,
		handler:   handler,
		log:       slog.Default(),
		queue:     make(chan item, defaultQueueCapacity),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With(slog.String("proc", name))
	p.out = &Output{p: p}
	return p
}

func (p *Processor) Name() string { return p.name }

// Done closes when the processing loop has exited. It never closes for a
// stage that was never started.
func (p *Processor) Done() <-chan struct{} { return p.done }

func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Link establishes next as the downstream neighbor and records p as next's
// upstream neighbor. Wiring is frozen once a stage starts.
func (p *Processor) Link(next Stage) error {
	p.mu.Lock()
	if p.state != StateCreated && p.state != StateLinked {
		st := p.state
		p.mu.Unlock()
		return &ConfigurationError{Proc: p.name, Reason: fmt.Sprintf("link while %s", st)}
	}
	p.next = next
	if p.state == StateCreated {
		p.state = StateLinked
	}
	p.mu.Unlock()
	next.SetUpstream(p)
	return nil
}

func (p *Processor) SetUpstream(prev Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = prev
	if p.state == StateCreated {
		p.state = StateLinked
	}
}

// Start acquires handler resources and launches the processing loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateCreated && p.state != StateLinked {
		st := p.state
		p.mu.Unlock()
		return &LifecycleError{Proc: p.name, Op: "start", State: st}
	}
	p.mu.Unlock()

	if s, ok := p.handler.(Starter); ok {
		if err := s.OnStart(ctx); err != nil {
			return &ResourceError{Proc: p.name, Errs: []error{err}}
		}
	}
	p.setState(StateStarted)
	go p.run()
	return nil
}

// Push hands a frame to this stage. System frames are handled immediately on
// the caller's goroutine, which is what lets them overtake the queue; Data
// and Control frames are enqueued in arrival order.
func (p *Processor) Push(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	st := p.State()
	if st.terminal() {
		return &LifecycleError{Proc: p.name, Op: "push", State: st}
	}
	frame.SetDirection(f, dir)

	if f.Category() == frame.CategorySystem {
		return p.handleSystem(ctx, f, dir)
	}

	if st == StateCreated || st == StateLinked {
		return &LifecycleError{Proc: p.name, Op: "push", State: st}
	}

	it := item{f: f, dir: dir, gen: p.gen.Load()}
	select {
	case p.queue <- it:
		return nil
	case <-p.quit:
		return &LifecycleError{Proc: p.name, Op: "push", State: StateCancelled}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop waits for the queue to drain, releases resources, and leaves the
// stage in the Stopped state. Stopping a terminal stage is a no-op.
func (p *Processor) Stop(ctx context.Context) error {
	st := p.State()
	if st.terminal() {
		return nil
	}
	if st == StateStarted || st == StateProcessing || st == StateInterrupting {
		drained := make(chan struct{})
		select {
		case p.queue <- item{drain: drained}:
			select {
			case <-drained:
			case <-p.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-p.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	var err error
	p.termOnce.Do(func() {
		p.shutdown()
		err = p.release(StateStopped)
	})
	return err
}

// Cancel abandons in-flight work and releases resources without waiting for
// the queue to drain. It may be called from any state; repeated calls are
// no-ops.
func (p *Processor) Cancel() error {
	var err error
	p.termOnce.Do(func() {
		p.gen.Add(1)
		p.shutdown()
		err = p.release(StateCancelled)
	})
	return err
}

// Emit pushes a produced frame to the downstream neighbor. Sources with
// their own producer goroutine use this directly; handlers emit through
// their Output.
func (p *Processor) Emit(ctx context.Context, f frame.Frame) error {
	return p.emit(ctx, f, frame.Downstream)
}

// EmitUpstream pushes a control signal back toward the source.
func (p *Processor) EmitUpstream(ctx context.Context, f frame.Frame) error {
	return p.emit(ctx, f, frame.Upstream)
}

func (p *Processor) emit(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	p.mu.Lock()
	neighbor := p.next
	if dir == frame.Upstream {
		neighbor = p.prev
	}
	p.mu.Unlock()
	if neighbor == nil {
		p.log.Debug("frame dropped at boundary",
			slog.String("frame", frame.Label(f)),
			slog.String("direction", dir.String()))
		return nil
	}
	if dir == frame.Downstream {
		p.rec.FrameOut(p.name, f)
	}
	return neighbor.Push(ctx, f, dir)
}

func (p *Processor) handleSystem(ctx context.Context, f frame.Frame, dir frame.Direction) error {
	switch f.(type) {
	case *frame.StartFrame:
		p.mu.Lock()
		if p.state == StateStarted {
			p.state = StateProcessing
		}
		p.mu.Unlock()
	case *frame.InterruptStartFrame:
		p.beginInterruption()
	case *frame.InterruptStopFrame:
		p.setState(StateProcessing)
	case *frame.CancelFrame:
		if err := p.notifySystem(ctx, f); err != nil {
			p.reportError(ctx, f, err)
		}
		if err := p.emit(ctx, f, dir); err != nil {
			p.log.Warn("cancel propagation failed", slogError(err))
		}
		return p.Cancel()
	}
	if err := p.notifySystem(ctx, f); err != nil {
		p.reportError(ctx, f, err)
	}
	return p.emit(ctx, f, dir)
}

func (p *Processor) notifySystem(ctx context.Context, f frame.Frame) error {
	if obs, ok := p.handler.(SystemObserver); ok {
		return obs.OnSystemFrame(ctx, f)
	}
	return nil
}

// beginInterruption discards queued frames produced before the preemption by
// advancing the generation stamp; the run loop drops stale entries. Handler
// work already in flight is abandoned through its Interrupter hook.
func (p *Processor) beginInterruption() {
	p.setState(StateInterrupting)
	p.gen.Add(1)
	if i, ok := p.handler.(Interrupter); ok {
		i.OnInterrupt()
	}
	p.rec.Interrupted(p.name)
	p.setState(StateProcessing)
}

func (p *Processor) run() {
	defer close(p.done)
	for {
		select {
		case <-p.quit:
			return
		case it := <-p.queue:
			if it.drain != nil {
				close(it.drain)
				continue
			}
			if it.gen < p.gen.Load() {
				continue
			}
			p.dispatch(it)
			if _, ok := it.f.(*frame.EndFrame); ok && it.dir == frame.Downstream {
				p.termOnce.Do(func() {
					p.shutdown()
					if err := p.release(StateStopped); err != nil {
						p.log.Warn("release after end failed", slogError(err))
					}
				})
				return
			}
		}
	}
}

func (p *Processor) dispatch(it item) {
	p.setState(StateProcessing)
	p.rec.FrameIn(p.name, it.f)

	var err error
	if _, ok := it.f.(*frame.EndFrame); ok && it.dir == frame.Downstream {
		if e, ok := p.handler.(Ender); ok {
			err = e.OnEnd(p.runCtx, it.f, p.out)
		}
		if err == nil {
			err = p.emit(p.runCtx, it.f, frame.Downstream)
		}
	} else {
		err = p.handler.HandleFrame(p.runCtx, it.f, p.out)
	}
	if err != nil {
		p.reportError(p.runCtx, it.f, err)
	}
}

// reportError surfaces a stage failure upstream as an error frame instead of
// silently dropping the stream. Error frames themselves are never reported
// again, which would loop.
func (p *Processor) reportError(ctx context.Context, f frame.Frame, err error) {
	perr := &ProcessingError{Proc: p.name, Frame: f, Err: err}
	p.log.Warn("frame processing failed",
		slog.String("frame", frame.Label(f)),
		slogError(err))
	if _, ok := f.(*frame.ErrorFrame); ok {
		return
	}
	ef := frame.NewError(p.name, perr.Error(), false)
	if emitErr := p.emit(ctx, ef, frame.Upstream); emitErr != nil {
		p.log.Warn("error frame emission failed", slogError(emitErr))
	}
}

func (p *Processor) shutdown() {
	p.shutOnce.Do(func() {
		close(p.quit)
		p.runCancel()
	})
}

func (p *Processor) release(terminal State) error {
	var errs []error
	if s, ok := p.handler.(Stopper); ok {
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := s.OnStop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.setState(terminal)
	if len(errs) > 0 {
		return &ResourceError{Proc: p.name, Errs: errs}
	}
	return nil
}

func (p *Processor) setState(st State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.terminal() {
		return
	}
	p.state = st
}

// Output is the emission surface handed to handlers. Emission order for a
// stage equals its processing completion order because handlers run on the
// stage's single loop goroutine.
type Output struct {
	p *Processor
}

func (o *Output) Emit(ctx context.Context, f frame.Frame) error {
	return o.p.emit(ctx, f, frame.Downstream)
}

func (o *Output) EmitUpstream(ctx context.Context, f frame.Frame) error {
	return o.p.emit(ctx, f, frame.Upstream)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
