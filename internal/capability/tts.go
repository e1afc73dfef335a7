package capability

import (
	"context"
	"errors"
	"sync"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// TTSSettings are the synthesizer parameters a SettingsFrame may update.
type TTSSettings struct {
	Voice      string
	SampleRate int
	Channels   int
}

// NewTTS builds the speech synthesis stage: incoming text is voiced as audio
// frames while the text itself continues downstream for transcripts.
func NewTTS(backend Synthesizer, settings TTSSettings, opts ...proc.Option) *proc.Processor {
	return proc.New("tts", &ttsHandler{backend: backend, settings: settings}, opts...)
}

type ttsHandler struct {
	backend Synthesizer

	mu       sync.Mutex
	settings TTSSettings

	flight inflight
}

func (h *ttsHandler) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	v, ok := f.(*frame.TextFrame)
	if !ok {
		return proc.Forward(ctx, f, out)
	}
	if err := h.synthesize(ctx, v, out); err != nil {
		return err
	}
	return proc.Forward(ctx, f, out)
}

func (h *ttsHandler) synthesize(ctx context.Context, text *frame.TextFrame, out *proc.Output) error {
	h.mu.Lock()
	settings := h.settings
	h.mu.Unlock()

	cctx := h.flight.track(ctx)
	defer h.flight.clear()

	chunks, errs := h.backend.Synthesize(cctx, SynthRequest{
		Text:       text.Text,
		Voice:      settings.Voice,
		SampleRate: settings.SampleRate,
		Channels:   settings.Channels,
	})
	for chunk := range chunks {
		if len(chunk.PCM) == 0 {
			continue
		}
		af := frame.NewAudio(chunk.PCM, chunk.SampleRate, chunk.Channels)
		frame.Inherit(af, text)
		if err := out.Emit(ctx, af); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (h *ttsHandler) OnInterrupt() {
	h.flight.abort()
}

func (h *ttsHandler) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	switch v := f.(type) {
	case *frame.StartFrame:
		h.mu.Lock()
		if h.settings.SampleRate == 0 {
			h.settings.SampleRate = v.AudioOutSampleRate
		}
		if h.settings.Channels == 0 {
			h.settings.Channels = 1
		}
		h.mu.Unlock()
	case *frame.SettingsFrame:
		h.mu.Lock()
		if voice, ok := v.Settings["tts.voice"].(string); ok {
			h.settings.Voice = voice
		}
		h.mu.Unlock()
	}
	return nil
}
