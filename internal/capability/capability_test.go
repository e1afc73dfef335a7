package capability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veldt-labs/cascade/internal/config"
	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkHandler struct {
	mu     sync.Mutex
	frames []frame.Frame
}

func (s *sinkHandler) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return proc.Forward(ctx, f, out)
}

func (s *sinkHandler) snapshot() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Frame(nil), s.frames...)
}

func (s *sinkHandler) wait(t *testing.T, match func([]frame.Frame) bool) []frame.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.snapshot(); match(got) {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition never met, frames: %v", s.snapshot())
	return nil
}

func startStagePair(t *testing.T, stage *proc.Processor) (*sinkHandler, *proc.Processor) {
	t.Helper()
	sink := &sinkHandler{}
	sinkProc := proc.New("sink", sink, proc.WithLogger(testLogger()))
	ctx := context.Background()
	if err := stage.Link(sinkProc); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := stage.Start(ctx); err != nil {
		t.Fatalf("start stage: %v", err)
	}
	if err := sinkProc.Start(ctx); err != nil {
		t.Fatalf("start sink: %v", err)
	}
	if err := stage.Push(ctx, frame.NewStart(), frame.Downstream); err != nil {
		t.Fatalf("push start: %v", err)
	}
	t.Cleanup(func() {
		stage.Cancel()
		sinkProc.Cancel()
	})
	return sink, sinkProc
}

func hasTurnEnd(frames []frame.Frame) bool {
	for _, f := range frames {
		if _, ok := f.(*frame.TurnEndFrame); ok {
			return true
		}
	}
	return false
}

func TestMockGeneratorStreamsWords(t *testing.T) {
	gen := NewMockGenerator(0, "alpha beta gamma")
	chunks, errs := gen.Generate(context.Background(), GenerateRequest{Prompt: "hi"})

	var got []string
	for chunk := range chunks {
		got = append(got, strings.TrimSpace(chunk.Content))
	}
	if err := <-errs; err != nil {
		t.Fatalf("errs: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestMockTranscriberAbandonment(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tr := NewMockTranscriber(100 * time.Millisecond)
	chunks, errs := tr.Transcribe(ctx, TranscribeRequest{PCM: []byte{0}})
	cancel()

	for range chunks {
		t.Fatal("abandoned transcription still produced a chunk")
	}
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("errs = %v, want context.Canceled", err)
	}
}

func TestSTTReplacesTurnAudioWithText(t *testing.T) {
	stt := NewSTT(NewMockTranscriber(0), STTSettings{SampleRate: 16000, Channels: 1}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, stt)
	ctx := context.Background()

	if err := stt.Push(ctx, frame.NewAudio(make([]byte, 640), 16000, 1), frame.Downstream); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	if err := stt.Push(ctx, frame.NewTurnEnd("turn-1"), frame.Downstream); err != nil {
		t.Fatalf("push turn end: %v", err)
	}

	got := sink.wait(t, hasTurnEnd)
	if len(got) != 2 {
		t.Fatalf("frames = %v, want transcript then turn end", got)
	}
	tf, ok := got[0].(*frame.TextFrame)
	if !ok {
		t.Fatalf("first frame = %T, want text", got[0])
	}
	if !strings.Contains(tf.Text, "640 bytes") {
		t.Errorf("transcript = %q", tf.Text)
	}
	if te := got[1].(*frame.TurnEndFrame); te.TurnID != "turn-1" {
		t.Errorf("turn id = %q", te.TurnID)
	}
}

func TestSTTInterruptDropsBufferedAudio(t *testing.T) {
	stt := NewSTT(NewMockTranscriber(0), STTSettings{SampleRate: 16000, Channels: 1}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, stt)
	ctx := context.Background()

	if err := stt.Push(ctx, frame.NewAudio(make([]byte, 640), 16000, 1), frame.Downstream); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	if err := stt.Push(ctx, frame.NewInterruptStart(), frame.Downstream); err != nil {
		t.Fatalf("push interrupt: %v", err)
	}
	if err := stt.Push(ctx, frame.NewInterruptStop(), frame.Downstream); err != nil {
		t.Fatalf("push interrupt stop: %v", err)
	}
	if err := stt.Push(ctx, frame.NewTurnEnd("turn-1"), frame.Downstream); err != nil {
		t.Fatalf("push turn end: %v", err)
	}

	got := sink.wait(t, hasTurnEnd)
	for _, f := range got {
		if _, ok := f.(*frame.TextFrame); ok {
			t.Fatalf("interrupted turn still produced a transcript: %v", got)
		}
	}
}

func TestLLMBracketsReplyInTurn(t *testing.T) {
	llm := NewLLM(NewMockGenerator(0, "hello there"), LLMSettings{}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, llm)
	ctx := context.Background()

	if err := llm.Push(ctx, frame.NewText("prompt"), frame.Downstream); err != nil {
		t.Fatalf("push prompt: %v", err)
	}

	got := sink.wait(t, hasTurnEnd)
	if len(got) != 4 {
		t.Fatalf("frames = %d, want turn-start, 2 tokens, turn-end", len(got))
	}
	ts, ok := got[0].(*frame.TurnStartFrame)
	if !ok {
		t.Fatalf("first frame = %T, want turn start", got[0])
	}
	te, ok := got[len(got)-1].(*frame.TurnEndFrame)
	if !ok {
		t.Fatalf("last frame = %T, want turn end", got[len(got)-1])
	}
	if ts.TurnID != te.TurnID {
		t.Errorf("turn ids differ: %q vs %q", ts.TurnID, te.TurnID)
	}
	var reply strings.Builder
	for _, f := range got[1 : len(got)-1] {
		reply.WriteString(f.(*frame.TextFrame).Text)
	}
	if strings.TrimSpace(reply.String()) != "hello there" {
		t.Errorf("reply = %q", reply.String())
	}
}

func TestTTSVoicesTextAndForwardsIt(t *testing.T) {
	tts := NewTTS(NewMockSynth(24000, 1, 0), TTSSettings{}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, tts)
	ctx := context.Background()

	if err := tts.Push(ctx, frame.NewText("say this"), frame.Downstream); err != nil {
		t.Fatalf("push text: %v", err)
	}

	got := sink.wait(t, func(frames []frame.Frame) bool { return len(frames) >= 2 })
	af, ok := got[0].(*frame.AudioFrame)
	if !ok {
		t.Fatalf("first frame = %T, want audio", got[0])
	}
	if af.SampleRate != 24000 || len(af.PCM) == 0 {
		t.Errorf("audio = %d Hz, %d bytes", af.SampleRate, len(af.PCM))
	}
	tf, ok := got[1].(*frame.TextFrame)
	if !ok {
		t.Fatalf("second frame = %T, want text", got[1])
	}
	if tf.Text != "say this" {
		t.Errorf("text = %q", tf.Text)
	}
}

// capture backends record the request they were handed and complete with a
// single chunk, so tests can assert which settings reached the backend.
type captureTranscriber struct {
	mu   sync.Mutex
	last TranscribeRequest
}

func (c *captureTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (<-chan TranscriptChunk, <-chan error) {
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	chunks := make(chan TranscriptChunk, 1)
	errs := make(chan error, 1)
	chunks <- TranscriptChunk{Text: "ok", Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *captureTranscriber) request() TranscribeRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type captureGenerator struct {
	mu   sync.Mutex
	last GenerateRequest
}

func (c *captureGenerator) Generate(ctx context.Context, req GenerateRequest) (<-chan GenerateChunk, <-chan error) {
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	chunks := make(chan GenerateChunk, 1)
	errs := make(chan error, 1)
	chunks <- GenerateChunk{Content: "ok ", Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *captureGenerator) request() GenerateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type captureSynth struct {
	mu   sync.Mutex
	last SynthRequest
}

func (c *captureSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	c.mu.Lock()
	c.last = req
	c.mu.Unlock()
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	chunks <- SynthChunk{SampleRate: req.SampleRate, Channels: req.Channels, PCM: make([]byte, 320), Final: true}
	close(chunks)
	close(errs)
	return chunks, errs
}

func (c *captureSynth) request() SynthRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func TestSTTSettingsFrameUpdatesLanguage(t *testing.T) {
	backend := &captureTranscriber{}
	stt := NewSTT(backend, STTSettings{SampleRate: 16000, Channels: 1}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, stt)
	ctx := context.Background()

	if err := stt.Push(ctx, frame.NewSettings(map[string]any{"stt.language": "de"}), frame.Downstream); err != nil {
		t.Fatalf("push settings: %v", err)
	}
	if err := stt.Push(ctx, frame.NewAudio(make([]byte, 320), 16000, 1), frame.Downstream); err != nil {
		t.Fatalf("push audio: %v", err)
	}
	if err := stt.Push(ctx, frame.NewTurnEnd("turn-1"), frame.Downstream); err != nil {
		t.Fatalf("push turn end: %v", err)
	}

	sink.wait(t, hasTurnEnd)
	if got := backend.request().Language; got != "de" {
		t.Errorf("language = %q, want de", got)
	}
}

func TestLLMSettingsFrameUpdatesGeneration(t *testing.T) {
	backend := &captureGenerator{}
	llm := NewLLM(backend, LLMSettings{System: "old prompt"}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, llm)
	ctx := context.Background()

	settings := map[string]any{
		"llm.system":      "be brief",
		"llm.max_tokens":  32,
		"llm.temperature": 0.2,
	}
	if err := llm.Push(ctx, frame.NewSettings(settings), frame.Downstream); err != nil {
		t.Fatalf("push settings: %v", err)
	}
	if err := llm.Push(ctx, frame.NewText("prompt"), frame.Downstream); err != nil {
		t.Fatalf("push prompt: %v", err)
	}

	sink.wait(t, hasTurnEnd)
	req := backend.request()
	if req.System != "be brief" {
		t.Errorf("system = %q", req.System)
	}
	if req.MaxTokens != 32 {
		t.Errorf("max tokens = %d", req.MaxTokens)
	}
	if req.Temperature != 0.2 {
		t.Errorf("temperature = %v", req.Temperature)
	}
}

func TestTTSSettingsFrameUpdatesVoice(t *testing.T) {
	backend := &captureSynth{}
	tts := NewTTS(backend, TTSSettings{SampleRate: 24000, Channels: 1}, proc.WithLogger(testLogger()))
	sink, _ := startStagePair(t, tts)
	ctx := context.Background()

	if err := tts.Push(ctx, frame.NewSettings(map[string]any{"tts.voice": "aria"}), frame.Downstream); err != nil {
		t.Fatalf("push settings: %v", err)
	}
	if err := tts.Push(ctx, frame.NewText("say this"), frame.Downstream); err != nil {
		t.Fatalf("push text: %v", err)
	}

	sink.wait(t, func(frames []frame.Frame) bool { return len(frames) >= 2 })
	if got := backend.request().Voice; got != "aria" {
		t.Errorf("voice = %q, want aria", got)
	}
}

func TestRegistryBuildsConfiguredBackends(t *testing.T) {
	r := NewDefaultRegistry(testLogger())

	if _, err := r.BuildTranscriber(config.STTConfig{Mode: "mock"}); err != nil {
		t.Fatalf("build stt: %v", err)
	}
	if _, err := r.BuildGenerator(config.LLMConfig{Mode: "mock"}); err != nil {
		t.Fatalf("build llm: %v", err)
	}
	if _, err := r.BuildSynthesizer(config.TTSConfig{Mode: "mock", SampleRate: 24000, Channels: 1}); err != nil {
		t.Fatalf("build tts: %v", err)
	}
	if _, err := r.BuildGenerator(config.LLMConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected unknown mode error")
	}

	modes := r.Modes()
	for _, capName := range []string{"stt", "llm", "tts"} {
		if len(modes[capName]) == 0 {
			t.Errorf("no modes registered for %s", capName)
		}
	}
}
