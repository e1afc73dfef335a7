package capability

import (
	"context"
	"errors"
	"sync"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// LLMSettings are the generation parameters a SettingsFrame may update.
type LLMSettings struct {
	System      string
	MaxTokens   int
	Temperature float64
}

// NewLLM builds the language generation stage: each incoming text prompt
// becomes an assistant turn streamed token by token as the backend produces
// it.
func NewLLM(backend Generator, settings LLMSettings, opts ...proc.Option) *proc.Processor {
	return proc.New("llm", &llmHandler{backend: backend, settings: settings}, opts...)
}

type llmHandler struct {
	backend Generator

	mu       sync.Mutex
	settings LLMSettings

	flight inflight
}

func (h *llmHandler) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	v, ok := f.(*frame.TextFrame)
	if !ok {
		return proc.Forward(ctx, f, out)
	}
	return h.generate(ctx, v, out)
}

func (h *llmHandler) generate(ctx context.Context, prompt *frame.TextFrame, out *proc.Output) error {
	h.mu.Lock()
	settings := h.settings
	h.mu.Unlock()

	cctx := h.flight.track(ctx)
	defer h.flight.clear()

	turn := frame.NewTurnStart()
	frame.Inherit(turn, prompt)
	if err := out.Emit(ctx, turn); err != nil {
		return err
	}

	chunks, errs := h.backend.Generate(cctx, GenerateRequest{
		Prompt:      prompt.Text,
		System:      settings.System,
		MaxTokens:   settings.MaxTokens,
		Temperature: settings.Temperature,
	})
	for chunk := range chunks {
		if chunk.Content == "" {
			continue
		}
		tf := frame.NewText(chunk.Content)
		frame.Inherit(tf, prompt)
		if err := out.Emit(ctx, tf); err != nil {
			return err
		}
	}
	if err := <-errs; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return out.Emit(ctx, frame.NewTurnEnd(turn.TurnID))
}

func (h *llmHandler) OnInterrupt() {
	h.flight.abort()
}

func (h *llmHandler) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	v, ok := f.(*frame.SettingsFrame)
	if !ok {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if system, ok := v.Settings["llm.system"].(string); ok {
		h.settings.System = system
	}
	if max, ok := v.Settings["llm.max_tokens"].(int); ok {
		h.settings.MaxTokens = max
	}
	if temp, ok := v.Settings["llm.temperature"].(float64); ok {
		h.settings.Temperature = temp
	}
	return nil
}
