package capability

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Mock backends used by tests and the demo daemon. They stream with the same
// contract as real integrations: timed chunks, closed channels on
// completion, early unwind on context cancellation.

type mockTranscriber struct {
	delay time.Duration
}

func NewMockTranscriber(delay time.Duration) Transcriber {
	return &mockTranscriber{delay: delay}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (<-chan TranscriptChunk, <-chan error) {
	chunks := make(chan TranscriptChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		chunks <- TranscriptChunk{
			Text:       fmt.Sprintf("transcript of %d bytes", len(req.PCM)),
			Confidence: 0.9,
			Final:      true,
		}
	}()
	return chunks, errs
}

type mockGenerator struct {
	delay time.Duration
	reply string
}

func NewMockGenerator(delay time.Duration, reply string) Generator {
	if reply == "" {
		reply = "this is a mock reply"
	}
	return &mockGenerator{delay: delay, reply: reply}
}

func (m *mockGenerator) Generate(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, <-chan error) {
	chunks := make(chan GenerateChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		words := strings.Fields(m.reply)
		for i, word := range words {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(m.delay):
			}
			select {
			case chunks <- GenerateChunk{Content: word + " ", Final: i == len(words)-1}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

type mockSynth struct {
	sampleRate int
	channels   int
	delay      time.Duration
}

func NewMockSynth(sampleRate, channels int, delay time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, delay: delay}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(m.delay):
		}
		chunks <- SynthChunk{
			Sequence:   0,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			PCM:        make([]byte, 320),
			Final:      true,
		}
	}()
	return chunks, errs
}
