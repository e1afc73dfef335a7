package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/veldt-labs/cascade/internal/config"
)

// TranscriberFactory builds an STT backend for a configured mode.
type TranscriberFactory func(cfg config.STTConfig) (Transcriber, error)

// GeneratorFactory builds an LLM backend for a configured mode.
type GeneratorFactory func(cfg config.LLMConfig) (Generator, error)

// SynthesizerFactory builds a TTS backend for a configured mode.
type SynthesizerFactory func(cfg config.TTSConfig) (Synthesizer, error)

// Registry maps config mode names to backend constructors so the runtime can
// assemble a pipeline without hard-wiring backend packages.
type Registry struct {
	log *slog.Logger

	mu           sync.RWMutex
	transcribers map[string]TranscriberFactory
	generators   map[string]GeneratorFactory
	synthesizers map[string]SynthesizerFactory

	meter metric.Meter
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:          log.With(slog.String("component", "capability-registry")),
		transcribers: make(map[string]TranscriberFactory),
		generators:   make(map[string]GeneratorFactory),
		synthesizers: make(map[string]SynthesizerFactory),
		meter:        otel.Meter("github.com/veldt-labs/cascade"),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	return r
}

// NewDefaultRegistry returns a registry with the built-in mock backends
// registered.
func NewDefaultRegistry(log *slog.Logger) *Registry {
	r := NewRegistry(log)
	r.RegisterTranscriber("mock", func(cfg config.STTConfig) (Transcriber, error) {
		return NewMockTranscriber(0), nil
	})
	r.RegisterGenerator("mock", func(cfg config.LLMConfig) (Generator, error) {
		return NewMockGenerator(0, ""), nil
	})
	r.RegisterSynthesizer("mock", func(cfg config.TTSConfig) (Synthesizer, error) {
		return NewMockSynth(cfg.SampleRate, cfg.Channels, 0), nil
	})
	return r
}

func (r *Registry) RegisterTranscriber(mode string, f TranscriberFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribers[mode] = f
}

func (r *Registry) RegisterGenerator(mode string, f GeneratorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[mode] = f
}

func (r *Registry) RegisterSynthesizer(mode string, f SynthesizerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synthesizers[mode] = f
}

func (r *Registry) BuildTranscriber(cfg config.STTConfig) (Transcriber, error) {
	r.mu.RLock()
	f, ok := r.transcribers[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown stt mode %q", cfg.Mode)
	}
	return f(cfg)
}

func (r *Registry) BuildGenerator(cfg config.LLMConfig) (Generator, error) {
	r.mu.RLock()
	f, ok := r.generators[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
	return f(cfg)
}

func (r *Registry) BuildSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	r.mu.RLock()
	f, ok := r.synthesizers[cfg.Mode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tts mode %q", cfg.Mode)
	}
	return f(cfg)
}

// Modes lists the registered backend modes per capability, for diagnostics.
func (r *Registry) Modes() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, 3)
	for mode := range r.transcribers {
		out["stt"] = append(out["stt"], mode)
	}
	for mode := range r.generators {
		out["llm"] = append(out["llm"], mode)
	}
	for mode := range r.synthesizers {
		out["tts"] = append(out["tts"], mode)
	}
	return out
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("cascade.capability.backends",
		metric.WithDescription("Number of registered capability backends"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.backendCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) backendCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.transcribers) + len(r.generators) + len(r.synthesizers))
}
