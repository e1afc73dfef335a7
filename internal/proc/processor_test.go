package proc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/veldt-labs/cascade/internal/frame"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector records everything reaching it and forwards unchanged.
type collector struct {
	mu     sync.Mutex
	frames []frame.Frame
	system []frame.Frame
	ended  bool
}

func (c *collector) HandleFrame(ctx context.Context, f frame.Frame, out *Output) error {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
	return Forward(ctx, f, out)
}

func (c *collector) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	c.mu.Lock()
	c.system = append(c.system, f)
	c.mu.Unlock()
	return nil
}

func (c *collector) OnEnd(ctx context.Context, f frame.Frame, out *Output) error {
	c.mu.Lock()
	c.ended = true
	c.mu.Unlock()
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if tf, ok := f.(*frame.TextFrame); ok {
			out = append(out, tf.Text)
		}
	}
	return out
}

func (c *collector) waitTexts(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.texts(); len(got) >= n {
			return got
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d text frames, have %v", n, c.texts())
	return nil
}

func startChain(t *testing.T, stages ...*Processor) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < len(stages)-1; i++ {
		if err := stages[i].Link(stages[i+1]); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	for _, s := range stages {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", s.Name(), err)
		}
	}
}

func TestLinkAfterStartIsConfigurationError(t *testing.T) {
	p := New("p", nil, WithLogger(testLogger()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Cancel()

	q := New("q", nil, WithLogger(testLogger()))
	var cfgErr *ConfigurationError
	if err := p.Link(q); !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}

func TestPushBeforeStartIsLifecycleError(t *testing.T) {
	p := New("p", nil, WithLogger(testLogger()))
	var lcErr *LifecycleError
	if err := p.Push(context.Background(), frame.NewText("x"), frame.Downstream); !errors.As(err, &lcErr) {
		t.Fatalf("expected LifecycleError, got %v", err)
	}
	if lcErr.Op != "push" {
		t.Errorf("op = %q", lcErr.Op)
	}
}

func TestPushAfterCancelIsLifecycleError(t *testing.T) {
	p := New("p", nil, WithLogger(testLogger()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Cancel(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	var lcErr *LifecycleError
	if err := p.Push(context.Background(), frame.NewText("x"), frame.Downstream); !errors.As(err, &lcErr) {
		t.Fatalf("expected LifecycleError, got %v", err)
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	p := New("p", nil, WithLogger(testLogger()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := p.Cancel(); err != nil {
			t.Fatalf("cancel %d: %v", i, err)
		}
	}
	if st := p.State(); st != StateCancelled {
		t.Errorf("state = %s, want cancelled", st)
	}
}

func TestOrderingPreservedThroughQueue(t *testing.T) {
	sink := &collector{}
	a := New("a", nil, WithLogger(testLogger()))
	b := New("b", sink, WithLogger(testLogger()))
	startChain(t, a, b)

	ctx := context.Background()
	want := []string{"one", "two", "three", "four"}
	for _, s := range want {
		if err := a.Push(ctx, frame.NewText(s), frame.Downstream); err != nil {
			t.Fatalf("push %q: %v", s, err)
		}
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop a: %v", err)
	}
	if err := b.Stop(ctx); err != nil {
		t.Fatalf("stop b: %v", err)
	}

	got := sink.texts()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// A preemption must discard frames that were queued before it arrived, while
// frames pushed afterwards flow normally.
func TestInterruptDiscardsQueuedFrames(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	sink := &collector{}

	blocking := HandlerFunc(func(ctx context.Context, f frame.Frame, out *Output) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
		return Forward(ctx, f, out)
	})

	a := New("a", blocking, WithLogger(testLogger()))
	b := New("b", sink, WithLogger(testLogger()))
	startChain(t, a, b)
	ctx := context.Background()

	if err := a.Push(ctx, frame.NewText("first"), frame.Downstream); err != nil {
		t.Fatalf("push: %v", err)
	}
	<-entered // "first" is in the handler now

	// these sit in the queue behind the blocked frame
	for _, s := range []string{"stale-1", "stale-2"} {
		if err := a.Push(ctx, frame.NewText(s), frame.Downstream); err != nil {
			t.Fatalf("push %q: %v", s, err)
		}
	}

	// the system frame overtakes the queue on the caller's goroutine
	if err := a.Push(ctx, frame.NewInterruptStart(), frame.Downstream); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	close(gate)

	if err := a.Push(ctx, frame.NewText("fresh"), frame.Downstream); err != nil {
		t.Fatalf("push fresh: %v", err)
	}
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got := sink.waitTexts(t, 2)
	if len(got) != 2 || got[0] != "first" || got[1] != "fresh" {
		t.Fatalf("got %v, want [first fresh]", got)
	}
}

func TestHandlerErrorSurfacesUpstream(t *testing.T) {
	up := &collector{}
	a := New("a", up, WithLogger(testLogger()))
	b := New("b", HandlerFunc(func(ctx context.Context, f frame.Frame, out *Output) error {
		return errors.New("boom")
	}), WithLogger(testLogger()))
	startChain(t, a, b)
	ctx := context.Background()

	if err := b.Push(ctx, frame.NewText("x"), frame.Downstream); err != nil {
		t.Fatalf("push: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		up.mu.Lock()
		var ef *frame.ErrorFrame
		for _, f := range up.system {
			if v, ok := f.(*frame.ErrorFrame); ok {
				ef = v
			}
		}
		up.mu.Unlock()
		if ef != nil {
			if ef.Proc != "b" {
				t.Errorf("error frame proc = %q, want b", ef.Proc)
			}
			if !strings.Contains(ef.Message, "boom") {
				t.Errorf("error frame message = %q", ef.Message)
			}
			if ef.Fatal {
				t.Error("handler errors are not fatal")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no error frame arrived upstream")
		}
		time.Sleep(time.Millisecond)
	}

	a.Cancel()
	b.Cancel()
}

func TestEndFrameStopsStagesInOrder(t *testing.T) {
	sink := &collector{}
	a := New("a", nil, WithLogger(testLogger()))
	b := New("b", sink, WithLogger(testLogger()))
	startChain(t, a, b)
	ctx := context.Background()

	if err := a.Push(ctx, frame.NewText("payload"), frame.Downstream); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := a.Push(ctx, frame.NewEnd(), frame.Downstream); err != nil {
		t.Fatalf("push end: %v", err)
	}

	for _, p := range []*Processor{a, b} {
		select {
		case <-p.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("%s did not shut down after end", p.Name())
		}
		if st := p.State(); st != StateStopped {
			t.Errorf("%s state = %s, want stopped", p.Name(), st)
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if !sink.ended {
		t.Error("sink never saw the end of stream")
	}
	if len(sink.frames) != 1 {
		t.Errorf("sink frames = %d, want the one payload", len(sink.frames))
	}
}

func TestMetadataAccumulatesAcrossStages(t *testing.T) {
	mark := func(key string) Handler {
		return HandlerFunc(func(ctx context.Context, f frame.Frame, out *Output) error {
			f.Meta()[key] = true
			return Forward(ctx, f, out)
		})
	}
	sink := &collector{}
	a := New("a", mark("seen.a"), WithLogger(testLogger()))
	b := New("b", mark("seen.b"), WithLogger(testLogger()))
	c := New("c", mark("seen.c"), WithLogger(testLogger()))
	d := New("d", sink, WithLogger(testLogger()))
	startChain(t, a, b, c, d)
	ctx := context.Background()

	tf := frame.NewText("x")
	tf.Meta()["origin"] = "test"
	if err := a.Push(ctx, tf, frame.Downstream); err != nil {
		t.Fatalf("push: %v", err)
	}
	sink.waitTexts(t, 1)

	for _, key := range []string{"origin", "seen.a", "seen.b", "seen.c"} {
		if _, ok := tf.Meta()[key]; !ok {
			t.Errorf("metadata lost key %q: %v", key, tf.Meta())
		}
	}

	for _, p := range []*Processor{a, b, c, d} {
		p.Cancel()
	}
}

func TestStartStopHooks(t *testing.T) {
	h := &hookHandler{}
	p := New("p", h, WithLogger(testLogger()))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started || !h.stopped {
		t.Errorf("hooks: started=%v stopped=%v", h.started, h.stopped)
	}
}

func TestFailingStartIsResourceError(t *testing.T) {
	h := &hookHandler{startErr: errors.New("no device")}
	p := New("p", h, WithLogger(testLogger()))
	var resErr *ResourceError
	if err := p.Start(context.Background()); !errors.As(err, &resErr) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

type hookHandler struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
}

func (h *hookHandler) HandleFrame(ctx context.Context, f frame.Frame, out *Output) error {
	return Forward(ctx, f, out)
}

func (h *hookHandler) OnStart(ctx context.Context) error {
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()
	return h.startErr
}

func (h *hookHandler) OnStop(ctx context.Context) error {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	return nil
}
