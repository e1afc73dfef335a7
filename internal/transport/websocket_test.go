package transport

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// The server side wires its ingress straight into its egress, so whatever the
// client sends must come back, having crossed the full decode/encode path.
func TestWebSocketLoopback(t *testing.T) {
	upgrader := websocket.Upgrader{}
	transports := make(chan *WebSocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, DefaultWebSocketConfig(), testLogger())
		if err := ws.Input().Link(ws.Output()); err != nil {
			t.Errorf("link: %v", err)
			return
		}
		ctx := context.Background()
		if err := ws.Input().Start(ctx); err != nil {
			t.Errorf("start input: %v", err)
			return
		}
		if err := ws.Output().Start(ctx); err != nil {
			t.Errorf("start output: %v", err)
			return
		}
		transports <- ws
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ws *WebSocket
	select {
	case ws = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("server transport never came up")
	}
	defer func() {
		ws.Input().Cancel()
		ws.Output().Cancel()
	}()

	ser := NewSerializer()
	src := frame.NewText("ping")
	src.Meta()["session"] = "s1"
	data, err := ser.Marshal(src)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	decoded, err := ser.Unmarshal(resp)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tf, ok := decoded.(*frame.TextFrame)
	if !ok {
		t.Fatalf("decoded = %T, want text", decoded)
	}
	if tf.Text != "ping" {
		t.Errorf("text = %q", tf.Text)
	}
	if tf.Meta()["session"] != "s1" {
		t.Errorf("meta = %v", tf.Meta())
	}

	// the stream's end marker must reach the peer too
	endData, err := ser.Marshal(frame.NewEnd())
	if err != nil {
		t.Fatalf("marshal end: %v", err)
	}
	if err := client.WriteMessage(websocket.BinaryMessage, endData); err != nil {
		t.Fatalf("write end: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err = client.ReadMessage()
	if err != nil {
		t.Fatalf("read end: %v", err)
	}
	decoded, err = ser.Unmarshal(resp)
	if err != nil {
		t.Fatalf("unmarshal end: %v", err)
	}
	if _, ok := decoded.(*frame.EndFrame); !ok {
		t.Fatalf("decoded = %T, want end", decoded)
	}
}

func TestWebSocketIngressClampsTimestamps(t *testing.T) {
	upgrader := websocket.Upgrader{}
	transports := make(chan *WebSocket, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ws := NewWebSocket(conn, DefaultWebSocketConfig(), testLogger())
		if err := ws.Input().Link(ws.Output()); err != nil {
			return
		}
		ctx := context.Background()
		if err := ws.Input().Start(ctx); err != nil {
			return
		}
		if err := ws.Output().Start(ctx); err != nil {
			return
		}
		transports <- ws
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var ws *WebSocket
	select {
	case ws = <-transports:
	case <-time.After(2 * time.Second):
		t.Fatal("server transport never came up")
	}
	defer func() {
		ws.Input().Cancel()
		ws.Output().Cancel()
	}()

	ser := NewSerializer()
	later := time.Now().Add(time.Hour).UTC()
	earlier := later.Add(-2 * time.Hour)

	first := frame.NewText("a")
	frame.Restore(first, later, nil)
	second := frame.NewText("b")
	frame.Restore(second, earlier, nil)

	for _, f := range []frame.Frame{first, second} {
		data, err := ser.Marshal(f)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := client.WriteMessage(websocket.BinaryMessage, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got []frame.Frame
	for len(got) < 2 {
		_, resp, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		f, err := ser.Unmarshal(resp)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, f)
	}

	if got[1].Timestamp().Before(got[0].Timestamp()) {
		t.Errorf("timestamps regressed: %v then %v", got[0].Timestamp(), got[1].Timestamp())
	}
}

type upstreamWatcher struct {
	mu  sync.Mutex
	bps []*frame.BackpressureFrame
}

func (u *upstreamWatcher) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	return proc.Forward(ctx, f, out)
}

func (u *upstreamWatcher) OnSystemFrame(ctx context.Context, f frame.Frame) error {
	if bp, ok := f.(*frame.BackpressureFrame); ok {
		u.mu.Lock()
		u.bps = append(u.bps, bp)
		u.mu.Unlock()
	}
	return nil
}

func (u *upstreamWatcher) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.bps)
}

// A dead peer kills the writer, so the egress buffer fills up and the sink
// has to raise backpressure toward the source instead of dropping frames.
func TestWebSocketEgressSignalsBackpressure(t *testing.T) {
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverConn *websocket.Conn
	select {
	case serverConn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("server conn never arrived")
	}

	w := NewWebSocket(serverConn, WebSocketConfig{EgressBuffer: 1, WriteTimeout: time.Second}, testLogger())
	client.Close()
	serverConn.Close()

	watcher := &upstreamWatcher{}
	src := proc.New("src", watcher, proc.WithLogger(testLogger()))
	if err := src.Link(w.Output()); err != nil {
		t.Fatalf("link: %v", err)
	}
	ctx := context.Background()
	if err := src.Start(ctx); err != nil {
		t.Fatalf("start src: %v", err)
	}
	if err := w.Output().Start(ctx); err != nil {
		t.Fatalf("start output: %v", err)
	}
	t.Cleanup(func() {
		src.Cancel()
		w.Output().Cancel()
	})

	for i := 0; i < 4; i++ {
		if err := src.Push(ctx, frame.NewText("x"), frame.Downstream); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if watcher.count() > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("no backpressure frame reached the source")
}
