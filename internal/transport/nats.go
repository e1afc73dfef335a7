package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/proc"
)

// NATSConfig mirrors the bus connection settings plus the frame subjects.
type NATSConfig struct {
	Servers        []string
	Username       string
	Password       string
	Token          string
	TLSInsecure    bool
	ConnectTimeout time.Duration
	SubjectIn      string
	SubjectOut     string
}

// NATS adapts a NATS connection to the pipeline boundary contracts: frames
// arriving on SubjectIn feed the pipeline head, frames reaching the tail are
// published on SubjectOut.
type NATS struct {
	conn *nats.Conn
	cfg  NATSConfig
	ser  *Serializer
	log  *slog.Logger

	input  *proc.Processor
	output *proc.Processor
}

func ConnectNATS(ctx context.Context, cfg NATSConfig, log *slog.Logger, opts ...proc.Option) (*NATS, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("cascade-transport"),
		nats.Timeout(cfg.ConnectTimeout),
	}
	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	n := &NATS{
		conn: conn,
		cfg:  cfg,
		ser:  NewSerializer(),
		log:  log.With(slog.String("component", "nats-transport")),
	}
	n.input = proc.New("nats-input", &natsInput{n: n}, opts...)
	n.output = proc.New("nats-output", &natsOutput{n: n}, opts...)
	return n, nil
}

// Input is the ingress source stage, placed at the pipeline head.
func (n *NATS) Input() *proc.Processor { return n.input }

// Output is the egress sink stage, placed at the pipeline tail.
func (n *NATS) Output() *proc.Processor { return n.output }

func (n *NATS) Healthy() bool {
	return n != nil && n.conn != nil && n.conn.Status() == nats.CONNECTED
}

func (n *NATS) Close() {
	if n == nil {
		return
	}
	n.log.Info("closing NATS connection")
	if err := n.conn.Drain(); err != nil {
		n.log.Debug("nats drain", slog.String("error", err.Error()))
	}
	n.conn.Close()
}

type natsInput struct {
	n   *NATS
	sub *nats.Subscription
}

func (h *natsInput) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	return proc.Forward(ctx, f, out)
}

func (h *natsInput) OnStart(ctx context.Context) error {
	var lastTS time.Time
	sub, err := h.n.conn.Subscribe(h.n.cfg.SubjectIn, func(msg *nats.Msg) {
		f, err := h.n.ser.Unmarshal(msg.Data)
		if err != nil {
			h.n.log.Warn("dropping undecodable message", slog.String("error", err.Error()))
			return
		}
		if f.Timestamp().Before(lastTS) {
			frame.Restore(f, lastTS, nil)
		}
		lastTS = f.Timestamp()
		if err := h.n.input.Push(context.Background(), f, frame.Downstream); err != nil {
			h.n.log.Warn("ingress push failed",
				slog.String("frame", frame.Label(f)),
				slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", h.n.cfg.SubjectIn, err)
	}
	h.sub = sub
	return nil
}

func (h *natsInput) OnStop(ctx context.Context) error {
	if h.sub != nil {
		return h.sub.Drain()
	}
	return nil
}

type natsOutput struct {
	n *NATS
}

func (h *natsOutput) HandleFrame(ctx context.Context, f frame.Frame, out *proc.Output) error {
	data, err := h.n.ser.Marshal(f)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", frame.Label(f), err)
	}
	if err := h.n.conn.Publish(h.n.cfg.SubjectOut, data); err != nil {
		return fmt.Errorf("publish frame: %w", err)
	}
	return proc.Forward(ctx, f, out)
}

// OnEnd publishes the end-of-stream marker so remote consumers of SubjectOut
// observe termination; the engine forwards the frame and stops the stage
// afterwards.
func (h *natsOutput) OnEnd(ctx context.Context, f frame.Frame, out *proc.Output) error {
	data, err := h.n.ser.Marshal(f)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", frame.Label(f), err)
	}
	if err := h.n.conn.Publish(h.n.cfg.SubjectOut, data); err != nil {
		return fmt.Errorf("publish end frame: %w", err)
	}
	return nil
}
