package proc

import (
	"context"

	"github.com/veldt-labs/cascade/internal/frame"
)

// Handler is the transformation a stage applies to Data and Control frames.
// It runs on the stage's own loop goroutine, one frame at a time, and emits
// derived frames through out. System frames and EndFrame are handled by the
// engine; handlers observe them through the optional interfaces below.
type Handler interface {
	HandleFrame(ctx context.Context, f frame.Frame, out *Output) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, f frame.Frame, out *Output) error

func (fn HandlerFunc) HandleFrame(ctx context.Context, f frame.Frame, out *Output) error {
	return fn(ctx, f, out)
}

// Starter is implemented by handlers that acquire resources on start. The
// engine guarantees a matching OnStop on stop or cancel.
type Starter interface {
	OnStart(ctx context.Context) error
}

// Stopper is implemented by handlers that hold resources to release.
type Stopper interface {
	OnStop(ctx context.Context) error
}

// Interrupter is implemented by handlers with in-flight derived work to
// abandon when the current turn is preempted.
type Interrupter interface {
	OnInterrupt()
}

// SystemObserver is implemented by handlers that react to System frames.
// The engine forwards the frame itself after the observer returns.
type SystemObserver interface {
	OnSystemFrame(ctx context.Context, f frame.Frame) error
}

// Ender is implemented by handlers that need the stream's EndFrame when it is
// dequeued, before the engine forwards it: buffered stages flush, egress
// sinks deliver the end marker to their peer.
type Ender interface {
	OnEnd(ctx context.Context, f frame.Frame, out *Output) error
}

// Forward re-emits a frame unchanged in the direction it is travelling.
func Forward(ctx context.Context, f frame.Frame, out *Output) error {
	if f.Direction() == frame.Upstream {
		return out.EmitUpstream(ctx, f)
	}
	return out.Emit(ctx, f)
}

// Passthrough returns the identity handler.
func Passthrough() Handler {
	return HandlerFunc(Forward)
}
