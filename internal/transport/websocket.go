package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// WebSocketConfig tunes a WebSocket transport pair.
type WebSocketConfig struct {
	EgressBuffer int
	WriteTimeout time.Duration
}

func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{EgressBuffer: 64, WriteTimeout: 5 * time.Second}
}

// WebSocket adapts one websocket connection to the pipeline boundary
// contracts: Input is an ingress source pushing decoded frames with
// non-decreasing timestamps, Output is an egress sink with bounded buffering
// that signals upstream when it cannot keep up.
type WebSocket struct {
	conn *websocket.Conn
	cfg  WebSocketConfig
	ser  *Serializer
	log  *slog.Logger

	input  *proc.Processor
	output *proc.Processor

	writeCh   chan []byte
	closeOnce sync.Once
}

func NewWebSocket(conn *websocket.Conn, cfg WebSocketConfig, log *slog.Logger, opts ...proc.Option) *WebSocket {
	if cfg.EgressBuffer <= 0 {
		cfg.EgressBuffer = 64
	}
	w := &WebSocket{
		conn:    conn,
		cfg:     cfg,
		ser:     NewSerializer(),
		log:     log.With(slog.String("component", "ws-transport")),
		writeCh: make(chan []byte, cfg.EgressBuffer),
	}
	w.input = proc.New("ws-input", &wsInput{w: w}, opts...)
	w.output = proc.New("ws-output", &wsOutput{w: w}, opts...)
	return w
}

// Input is the ingress source stage, placed at the pipeline head.
func (w *WebSocket) Input() *proc.Processor { return w.input }

// Output is the egress sink stage, placed at the pipeline tail.
func (w *WebSocket) Output() *proc.Processor { return w.output }

func (w *WebSocket) close() {
	w.closeOnce.Do(func() {
		if err := w.conn.Close(); err != nil {
			w.log.Debug("websocket close", slog.String("error", err.Error()))
		}
	})
}

type wsInput struct {
	w      *WebSocket
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *wsInput) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	return proc.Forward(ctx, f, out)
}

func (h *wsInput) OnStart(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.readLoop(readCtx)
	return nil
}

func (h *wsInput) OnStop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.w.close()
	if h.done != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// readLoop decodes incoming messages and pushes them into the pipeline.
// Timestamps are clamped so the ingress contract of monotonically
// non-decreasing timestamps holds even for misbehaving peers.
func (h *wsInput) readLoop(ctx context.Context) {
	defer close(h.done)
	var lastTS time.Time
	for {
		_, data, err := h.w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				h.w.log.Info("websocket read ended", slog.String("error", err.Error()))
				if pushErr := h.w.input.Push(ctx, frame.NewEnd(), frame.Downstream); pushErr != nil {
					h.w.log.Debug("end push after read error", slog.String("error", pushErr.Error()))
				}
			}
			return
		}
		f, err := h.w.ser.Unmarshal(data)
		if err != nil {
			h.w.log.Warn("dropping undecodable message", slog.String("error", err.Error()))
			continue
		}
		if f.Timestamp().Before(lastTS) {
			frame.Restore(f, lastTS, nil)
		}
		lastTS = f.Timestamp()
		if err := h.w.input.Push(ctx, f, frame.Downstream); err != nil {
			h.w.log.Warn("ingress push failed",
				slog.String("frame", frame.Label(f)),
				slog.String("error", err.Error()))
			return
		}
	}
}

type wsOutput struct {
	w        *WebSocket
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

func (h *wsOutput) OnStart(ctx context.Context) error {
	h.done = make(chan struct{})
	h.quit = make(chan struct{})
	go h.writeLoop()
	return nil
}

func (h *wsOutput) OnStop(ctx context.Context) error {
	h.quitOnce.Do(func() { close(h.quit) })
	if h.done != nil {
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}
	h.w.close()
	return nil
}

// HandleFrame serializes and enqueues for the writer. A full buffer raises an
// upstream backpressure signal before blocking, so sources can pace or shed.
func (h *wsOutput) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	data, err := h.w.ser.Marshal(f)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", frame.Label(f), err)
	}
	select {
	case h.w.writeCh <- data:
	default:
		bp := frame.NewBackpressure("ws-output", len(h.w.writeCh))
		if err := out.EmitUpstream(ctx, bp); err != nil {
			h.w.log.Debug("backpressure emit failed", slog.String("error", err.Error()))
		}
		select {
		case h.w.writeCh <- data:
		case <-h.quit:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return proc.Forward(ctx, f, out)
}

// OnEnd enqueues the encoded end-of-stream marker; the writer flushes it to
// the peer during stop, so the remote side observes termination.
func (h *wsOutput) OnEnd(ctx context.Context, f frame.Frame, out *proc.Output) error {
	data, err := h.w.ser.Marshal(f)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", frame.Label(f), err)
	}
	select {
	case h.w.writeCh <- data:
		return nil
	case <-h.quit:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *wsOutput) writeLoop() {
	defer close(h.done)
	for {
		select {
		case <-h.quit:
			// flush whatever the stages managed to enqueue before stop
			for {
				select {
				case data := <-h.w.writeCh:
					if !h.write(data) {
						return
					}
				default:
					return
				}
			}
		case data := <-h.w.writeCh:
			if !h.write(data) {
				return
			}
		}
	}
}

func (h *wsOutput) write(data []byte) bool {
	if h.w.cfg.WriteTimeout > 0 {
		_ = h.w.conn.SetWriteDeadline(time.Now().Add(h.w.cfg.WriteTimeout))
	}
	if err := h.w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		h.w.log.Warn("websocket write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
