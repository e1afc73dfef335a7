package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veldt-labs/cascade/internal/config"
	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/natsserver"
)

func TestNATSRoundTrip(t *testing.T) {
	srv, err := natsserver.Start(config.TransportConfig{Embedded: true, EmbeddedPort: -1}, testLogger())
	if err != nil {
		t.Fatalf("embedded server: %v", err)
	}
	defer srv.Shutdown()

	ctx := context.Background()
	cfg := NATSConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2 * time.Second,
		SubjectIn:      "cascade.test.in",
		SubjectOut:     "cascade.test.out",
	}
	tr, err := ConnectNATS(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if !tr.Healthy() {
		t.Fatal("transport not healthy after connect")
	}

	if err := tr.Input().Link(tr.Output()); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := tr.Input().Start(ctx); err != nil {
		t.Fatalf("start input: %v", err)
	}
	if err := tr.Output().Start(ctx); err != nil {
		t.Fatalf("start output: %v", err)
	}
	defer tr.Input().Cancel()
	defer tr.Output().Cancel()

	peer, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	defer peer.Close()

	outC := make(chan *nats.Msg, 1)
	sub, err := peer.Subscribe(cfg.SubjectOut, func(msg *nats.Msg) { outC <- msg })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ser := NewSerializer()
	data, err := ser.Marshal(frame.NewText("over the bus"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := peer.Publish(cfg.SubjectIn, data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-outC:
		decoded, err := ser.Unmarshal(msg.Data)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		tf, ok := decoded.(*frame.TextFrame)
		if !ok {
			t.Fatalf("decoded = %T, want text", decoded)
		}
		if tf.Text != "over the bus" {
			t.Errorf("text = %q", tf.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("frame never crossed the bus")
	}
}

// A subscriber on the egress subject must see the stream end, not just the
// payload frames before it.
func TestNATSEndOfStreamReachesSubscriber(t *testing.T) {
	srv, err := natsserver.Start(config.TransportConfig{Embedded: true, EmbeddedPort: -1}, testLogger())
	if err != nil {
		t.Fatalf("embedded server: %v", err)
	}
	defer srv.Shutdown()

	ctx := context.Background()
	cfg := NATSConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2 * time.Second,
		SubjectIn:      "cascade.end.in",
		SubjectOut:     "cascade.end.out",
	}
	tr, err := ConnectNATS(ctx, cfg, testLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if err := tr.Input().Link(tr.Output()); err != nil {
		t.Fatalf("link: %v", err)
	}
	if err := tr.Input().Start(ctx); err != nil {
		t.Fatalf("start input: %v", err)
	}
	if err := tr.Output().Start(ctx); err != nil {
		t.Fatalf("start output: %v", err)
	}
	defer tr.Input().Cancel()
	defer tr.Output().Cancel()

	peer, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	defer peer.Close()

	outC := make(chan *nats.Msg, 4)
	sub, err := peer.Subscribe(cfg.SubjectOut, func(msg *nats.Msg) { outC <- msg })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	if err := tr.Input().Push(ctx, frame.NewText("closing"), frame.Downstream); err != nil {
		t.Fatalf("push text: %v", err)
	}
	if err := tr.Input().Push(ctx, frame.NewEnd(), frame.Downstream); err != nil {
		t.Fatalf("push end: %v", err)
	}

	ser := NewSerializer()
	var kinds []string
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-outC:
			decoded, err := ser.Unmarshal(msg.Data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			kinds = append(kinds, frame.Kind(decoded))
			if _, ok := decoded.(*frame.EndFrame); ok {
				if kinds[0] != "text" {
					t.Errorf("kinds = %v, want text before end", kinds)
				}
				return
			}
		case <-deadline:
			t.Fatalf("end never published, saw %v", kinds)
		}
	}
}
