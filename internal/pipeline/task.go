package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// Params controls how a Task drives its pipeline.
type Params struct {
	AllowInterruptions bool
	EnableMetrics      bool
	HeartbeatInterval  time.Duration
	AudioInSampleRate  int
	AudioOutSampleRate int
}

func DefaultParams() Params {
	return Params{
		AllowInterruptions: true,
		EnableMetrics:      true,
		AudioInSampleRate:  16000,
		AudioOutSampleRate: 24000,
	}
}

// Task drives one pipeline: it issues the StartFrame, accepts externally
// queued frames at the head, hands tail output to the owner, re-broadcasts
// upstream control signals downstream so every stage reacts without waiting
// for backlog, and collects upstream error frames.
type Task struct {
	log    *slog.Logger
	params Params
	root   *Pipeline
	source *proc.Processor
	sink   *proc.Processor

	outC      chan frame.Frame
	endSeen   chan struct{}
	endOnce   sync.Once
	closeOnce sync.Once

	mu   sync.Mutex
	errs []error

	cancelOnce sync.Once
}

// NewTask wraps the pipeline between a task source and a task sink so the
// composed chain has well-defined boundaries.
func NewTask(p proc.Stage, params Params, log *slog.Logger) (*Task, error) {
	t := &Task{
		log:     log.With(slog.String("component", "pipeline-task")),
		params:  params,
		outC:    make(chan frame.Frame, 128),
		endSeen: make(chan struct{}),
	}
	t.source = proc.New("task-source", &taskSource{t: t}, proc.WithLogger(log))
	t.sink = proc.New("task-sink", &taskSink{t: t}, proc.WithLogger(log))

	root, err := New("task", log, t.source, p, t.sink)
	if err != nil {
		return nil, err
	}
	t.root = root
	return t, nil
}

// Run starts every stage, delivers the StartFrame, and blocks until the
// stream ends or the context is cancelled. Errors reported upstream by
// stages while the task ran are aggregated into the return value.
func (t *Task) Run(ctx context.Context) error {
	if err := t.root.Start(ctx); err != nil {
		return err
	}

	start := frame.NewStart()
	start.AllowInterruptions = t.params.AllowInterruptions
	start.EnableMetrics = t.params.EnableMetrics
	if t.params.AudioInSampleRate > 0 {
		start.AudioInSampleRate = t.params.AudioInSampleRate
	}
	if t.params.AudioOutSampleRate > 0 {
		start.AudioOutSampleRate = t.params.AudioOutSampleRate
	}
	if err := t.root.Push(ctx, start, frame.Downstream); err != nil {
		t.Cancel()
		return err
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	if t.params.HeartbeatInterval > 0 {
		go t.runHeartbeat(hbCtx)
	}

	select {
	case <-t.endSeen:
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.root.Stop(stopCtx); err != nil {
			t.recordErr(err)
		}
		return errors.Join(t.takeErrs()...)
	case <-ctx.Done():
		t.Cancel()
		return ctx.Err()
	}
}

// Queue injects frames at the pipeline's head in order.
func (t *Task) Queue(ctx context.Context, frames ...frame.Frame) error {
	for _, f := range frames {
		if err := t.root.Push(ctx, f, frame.Downstream); err != nil {
			return err
		}
	}
	return nil
}

// Interrupt preempts the current turn across every stage. It is the hook
// ingress adapters use when they detect user speech during playback.
func (t *Task) Interrupt(ctx context.Context) error {
	if !t.params.AllowInterruptions {
		return nil
	}
	if err := t.root.Push(ctx, frame.NewInterruptStart(), frame.Downstream); err != nil {
		return err
	}
	return t.root.Push(ctx, frame.NewInterruptStop(), frame.Downstream)
}

// Stop requests an ordered shutdown by queueing the stream's EndFrame and
// waiting for it to drain through every stage.
func (t *Task) Stop(ctx context.Context) error {
	if err := t.Queue(ctx, frame.NewEnd()); err != nil {
		return err
	}
	select {
	case <-t.endSeen:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel abandons the stream without draining. Repeated calls are no-ops.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		if err := t.root.Cancel(); err != nil {
			t.recordErr(err)
		}
		// release Run and Stop waiters; the stream will not end in order
		t.endOnce.Do(func() { close(t.endSeen) })
		st := t.sink.State()
		if st == proc.StateCreated || st == proc.StateLinked {
			t.closeOutput()
			return
		}
		// The sink loop may still be mid-dispatch; close the output only
		// after it exits.
		go func() {
			select {
			case <-t.sink.Done():
			case <-time.After(5 * time.Second):
			}
			t.closeOutput()
		}()
	})
}

// Frames exposes the frames arriving at the pipeline's tail, in arrival
// order. The channel closes after the stream's EndFrame.
func (t *Task) Frames() <-chan frame.Frame { return t.outC }

func (t *Task) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(t.params.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.endSeen:
			return
		case <-ticker.C:
			if err := t.Queue(ctx, frame.NewHeartbeat()); err != nil {
				return
			}
		}
	}
}

func (t *Task) recordErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
}

func (t *Task) takeErrs() []error {
	t.mu.Lock()
	defer t.mu.Unlock()
	errs := t.errs
	t.errs = nil
	return errs
}

func (t *Task) markEnded() {
	t.endOnce.Do(func() { close(t.endSeen) })
	t.closeOutput()
}

func (t *Task) closeOutput() {
	t.closeOnce.Do(func() { close(t.outC) })
}

// taskSource is the boundary stage ahead of the pipeline head. Control
// signals that travelled upstream terminate here and are re-broadcast
// downstream to every stage.
type taskSource struct {
	t *Task
}

func (s *taskSource) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	return proc.Forward(ctx, f, out)
}

func (s *taskSource) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	if f.Direction() != frame.Upstream {
		return nil
	}
	switch v := f.(type) {
	case *frame.ErrorFrame:
		s.t.recordErr(&proc.ProcessingError{Proc: v.Proc, Frame: f, Err: errors.New(v.Message)})
		if v.Fatal {
			s.t.Cancel()
		}
	case *frame.InterruptStartFrame, *frame.InterruptStopFrame:
		// Re-broadcast downstream so stages ahead of the origin abandon
		// stale work too.
		return s.t.source.Emit(ctx, f)
	case *frame.BackpressureFrame:
		s.t.log.Warn("sink backpressure",
			slog.String("source", v.Source),
			slog.Int("queue_depth", v.QueueDepth))
	case *frame.CancelFrame:
		s.t.Cancel()
	}
	return nil
}

// taskSink is the boundary stage after the pipeline tail. Frames arriving
// here left the pipeline; the owner consumes them via Task.Frames.
type taskSink struct {
	t *Task
}

func (s *taskSink) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	if f.Direction() == frame.Upstream {
		return proc.Forward(ctx, f, out)
	}
	select {
	case s.t.outC <- f:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *taskSink) OnEnd(ctx context.Context, f frame.Frame, out *proc.Output) error {
	s.t.markEnded()
	return nil
}
