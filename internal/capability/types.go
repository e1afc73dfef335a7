package capability

import (
	"context"
	"sync"
)

// TranscribeRequest carries buffered audio for one user turn.
type TranscribeRequest struct {
	PCM        []byte
	SampleRate int
	Channels   int
	Language   string
}

// TranscriptChunk is incremental recognizer output.
type TranscriptChunk struct {
	Text       string
	Confidence float64
	Final      bool
}

// Transcriber abstracts speech-to-text backends. Output is a lazy, finite,
// non-restartable sequence: the chunk channel closes when the backend
// signals completion, and cancelling the context abandons consumption at any
// point.
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (<-chan TranscriptChunk, <-chan error)
}

// GenerateRequest describes a language model prompt.
type GenerateRequest struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
}

// GenerateChunk is streamed model output.
type GenerateChunk struct {
	Content string
	Final   bool
}

// Generator abstracts language model backends, streaming like Transcriber.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, <-chan error)
}

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text       string
	Voice      string
	SampleRate int
	Channels   int
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio, streaming like
// Transcriber.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// inflight tracks the cancel function of the generation currently being
// consumed so a preemption from another goroutine can abandon it.
type inflight struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (i *inflight) track(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	i.mu.Lock()
	i.cancel = cancel
	i.mu.Unlock()
	return ctx
}

func (i *inflight) clear() {
	i.mu.Lock()
	if i.cancel != nil {
		i.cancel()
		i.cancel = nil
	}
	i.mu.Unlock()
}

func (i *inflight) abort() {
	i.mu.Lock()
	cancel := i.cancel
	i.cancel = nil
	i.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
