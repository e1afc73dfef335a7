package capability

import (
	"context"
	"errors"
	"sync"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// STTSettings are the recognizer parameters a SettingsFrame may update.
type STTSettings struct {
	SampleRate int
	Channels   int
	Language   string
}

// NewSTT builds the speech-to-text stage: it buffers a user turn's audio and
// replaces it with transcript text at the turn boundary.
func NewSTT(backend Transcriber, settings STTSettings, opts ...proc.Option) *proc.Processor {
	return proc.New("stt", &sttHandler{backend: backend, settings: settings}, opts...)
}

type sttHandler struct {
	backend Transcriber

	mu       sync.Mutex
	settings STTSettings
	buf      []byte

	flight inflight
}

func (h *sttHandler) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	switch v := f.(type) {
	case *frame.AudioFrame:
		h.mu.Lock()
		h.buf = append(h.buf, v.PCM...)
		h.mu.Unlock()
		return nil
	case *frame.TurnEndFrame:
		if err := h.transcribe(ctx, f, out); err != nil {
			return err
		}
		return proc.Forward(ctx, f, out)
	default:
		return proc.Forward(ctx, f, out)
	}
}

func (h *sttHandler) transcribe(ctx context.Context, parent frame.Frame, out *proc.Output) error {
	h.mu.Lock()
	pcm := h.buf
	h.buf = nil
	settings := h.settings
	h.mu.Unlock()
	if len(pcm) == 0 {
		return nil
	}

	cctx := h.flight.track(ctx)
	defer h.flight.clear()

	chunks, errs := h.backend.Transcribe(cctx, TranscribeRequest{
		PCM:        pcm,
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
		Language:   settings.Language,
	})
	for chunk := range chunks {
		if chunk.Text == "" {
			continue
		}
		tf := frame.NewText(chunk.Text)
		frame.Inherit(tf, parent)
		if err := out.Emit(ctx, tf); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (h *sttHandler) OnInterrupt() {
	h.flight.abort()
	h.mu.Lock()
	h.buf = nil
	h.mu.Unlock()
}

func (h *sttHandler) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	switch v := f.(type) {
	case *frame.StartFrame:
		h.mu.Lock()
		if h.settings.SampleRate == 0 {
			h.settings.SampleRate = v.AudioInSampleRate
		}
		if h.settings.Channels == 0 {
			h.settings.Channels = 1
		}
		h.mu.Unlock()
	case *frame.SettingsFrame:
		h.mu.Lock()
		if lang, ok := v.Settings["stt.language"].(string); ok {
			h.settings.Language = lang
		}
		h.mu.Unlock()
	}
	return nil
}
