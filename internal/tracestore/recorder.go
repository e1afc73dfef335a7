package tracestore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// NewRecorder builds a passthrough stage that journals every frame it sees
// into the store, attributed to the current turn. Store write failures are
// logged but never stall the pipeline.
func NewRecorder(store *Store, log *slog.Logger, opts ...proc.Option) *proc.Processor {
	h := &recorder{store: store, log: log}
	return proc.New("trace-recorder", h, opts...)
}

type recorder struct {
	store *Store
	log   *slog.Logger

	mu     sync.Mutex // system frames arrive on the pusher's goroutine
	turnID string
}

func (r *recorder) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	r.observe(ctx, f)
	return proc.Forward(ctx, f, out)
}

func (r *recorder) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	r.observe(ctx, f)
	return nil
}

func (r *recorder) observe(ctx context.Context, f frame.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch v := f.(type) {
	case *frame.TurnStartFrame:
		r.turnID = v.TurnID
		if err := r.store.BeginTurn(ctx, v.TurnID); err != nil {
			r.log.Warn("trace turn begin failed", slog.String("error", err.Error()))
		}
	case *frame.TurnEndFrame:
		if err := r.store.EndTurn(ctx, v.TurnID); err != nil {
			r.log.Warn("trace turn end failed", slog.String("error", err.Error()))
		}
		defer func() { r.turnID = "" }()
	case *frame.HeartbeatFrame:
		return
	}
	if r.turnID == "" {
		return
	}
	t := Transit{
		TurnID:    r.turnID,
		Kind:      frame.Kind(f),
		Category:  f.Category().String(),
		Direction: f.Direction().String(),
		Meta:      encodeMeta(f.Meta()),
		CreatedAt: f.Timestamp(),
	}
	if err := r.store.AppendTransit(ctx, t); err != nil {
		r.log.Warn("trace append failed",
			slog.String("frame", frame.Label(f)),
			slog.String("error", err.Error()))
	}
}
