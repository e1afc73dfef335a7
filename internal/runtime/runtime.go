package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/veldt-labs/cascade/internal/capability"
	"github.com/veldt-labs/cascade/internal/config"
	"github.com/veldt-labs/cascade/internal/frame"
	"github.com/veldt-labs/cascade/internal/metrics"
	"github.com/veldt-labs/cascade/internal/natsserver"
	"github.com/veldt-labs/cascade/internal/pipeline"
	"github.com/veldt-labs/cascade/internal/proc"
	"github.com/veldt-labs/cascade/internal/tracestore"
	"github.com/veldt-labs/cascade/internal/transport"
)

// Runtime assembles the daemon: telemetry, trace store, capability backends,
// the transport boundary, and the pipeline tasks flowing between them.
type Runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *capability.Registry

	httpServer  *http.Server
	wsServer    *http.Server
	tracerClose func(context.Context) error
	store       *tracestore.Store
	embedded    *natsserver.EmbeddedServer
	nats        *transport.NATS
	runner      *pipeline.Runner
	recorder    *metrics.Recorder
	upgrader    websocket.Upgrader

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		registry: capability.NewDefaultRegistry(logger),
		runner:   pipeline.NewRunner(logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Registry exposes the backend registry so embedders can add real backends
// before Start.
func (r *Runtime) Registry() *capability.Registry { return r.registry }

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.Shutdown

	if r.cfg.Pipeline.EnableMetrics {
		r.recorder = metrics.NewRecorder(r.logger)
	}

	store, err := tracestore.Open(ctx, r.cfg.TraceStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open trace store: %w", err)
	}
	r.store = store

	switch r.cfg.Transport.Mode {
	case "nats":
		if err := r.startNATS(ctx); err != nil {
			return err
		}
	case "ws":
		r.startWSListener(ctx)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if h := tel.Metrics(); h != nil {
		mux.Handle("/metrics", h)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("transport", r.cfg.Transport.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.wsServer != nil {
		if err := r.wsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("ws server shutdown error", slog.String("error", err.Error()))
		}
	}

	if err := r.runner.Wait(); err != nil {
		r.logger.Warn("pipeline tasks finished with errors", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.nats != nil {
		r.nats.Close()
	}
	r.embedded.Shutdown()

	if err := r.store.Close(); err != nil {
		r.logger.Error("trace store close error", slog.String("error", err.Error()))
	}

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// startNATS brings up one long-lived pipeline bridging the frame subjects.
func (r *Runtime) startNATS(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Transport, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.embedded = embedded

	natsCfg := transport.NATSConfig{
		Servers:        r.cfg.Transport.Servers,
		Username:       r.cfg.Transport.Username,
		Password:       r.cfg.Transport.Password,
		Token:          r.cfg.Transport.Token,
		TLSInsecure:    r.cfg.Transport.TLSInsecure,
		ConnectTimeout: time.Duration(r.cfg.Transport.ConnectTimeout) * time.Millisecond,
		SubjectIn:      r.cfg.Transport.SubjectIn,
		SubjectOut:     r.cfg.Transport.SubjectOut,
	}
	if r.cfg.Transport.Embedded {
		natsCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", r.cfg.Transport.EmbeddedPort)}
	}

	conn, err := transport.ConnectNATS(ctx, natsCfg, r.logger, r.procOpts()...)
	if err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	r.nats = conn

	task, err := r.buildTask("nats-session", conn.Input(), conn.Output())
	if err != nil {
		return err
	}
	r.drainTask(task)
	r.runner.Go(ctx, task)
	return nil
}

// startWSListener serves the stream endpoint; each accepted connection gets
// its own pipeline whose lifetime is the connection's.
func (r *Runtime) startWSListener(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc(r.cfg.Transport.Path, func(w http.ResponseWriter, req *http.Request) {
		r.handleStream(ctx, w, req)
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.Transport.Bind, r.cfg.Transport.Port)
	r.wsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("ws server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("stream endpoint listening",
		slog.String("addr", addr),
		slog.String("path", r.cfg.Transport.Path))
}

func (r *Runtime) handleStream(ctx context.Context, w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	wsCfg := transport.DefaultWebSocketConfig()
	if r.cfg.Transport.EgressBuffer > 0 {
		wsCfg.EgressBuffer = r.cfg.Transport.EgressBuffer
	}
	ws := transport.NewWebSocket(conn, wsCfg, r.logger, r.procOpts()...)

	task, err := r.buildTask("ws-session", ws.Input(), ws.Output())
	if err != nil {
		r.logger.Error("failed to build session pipeline", slog.String("error", err.Error()))
		conn.Close()
		return
	}
	r.drainTask(task)
	r.runner.Go(ctx, task)
}

// buildTask assembles input -> [trace] -> stt -> llm -> tts -> output and
// wraps it in a task carrying the configured run parameters.
func (r *Runtime) buildTask(name string, input, output proc.Stage) (*pipeline.Task, error) {
	stages := []proc.Stage{input}

	if r.cfg.TraceStore.RetentionMode != "ephemeral" {
		stages = append(stages, tracestore.NewRecorder(r.store, r.logger, r.procOpts()...))
	}

	if r.cfg.STT.Enabled {
		backend, err := r.registry.BuildTranscriber(r.cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("build stt backend: %w", err)
		}
		stages = append(stages, capability.NewSTT(backend, capability.STTSettings{
			SampleRate: r.cfg.STT.SampleRate,
			Channels:   r.cfg.STT.Channels,
			Language:   r.cfg.STT.Language,
		}, r.procOpts()...))
	}

	if r.cfg.LLM.Enabled {
		backend, err := r.registry.BuildGenerator(r.cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("build llm backend: %w", err)
		}
		stages = append(stages, capability.NewLLM(backend, capability.LLMSettings{
			System:      r.cfg.LLM.System,
			MaxTokens:   r.cfg.LLM.MaxTokens,
			Temperature: r.cfg.LLM.Temperature,
		}, r.procOpts()...))
	}

	if r.cfg.TTS.Enabled {
		backend, err := r.registry.BuildSynthesizer(r.cfg.TTS)
		if err != nil {
			return nil, fmt.Errorf("build tts backend: %w", err)
		}
		stages = append(stages, capability.NewTTS(backend, capability.TTSSettings{
			Voice:      r.cfg.TTS.Voice,
			SampleRate: r.cfg.TTS.SampleRate,
			Channels:   r.cfg.TTS.Channels,
		}, r.procOpts()...))
	}

	stages = append(stages, output)

	p, err := pipeline.New(name, r.logger, stages...)
	if err != nil {
		return nil, fmt.Errorf("assemble pipeline: %w", err)
	}

	params := pipeline.Params{
		AllowInterruptions: r.cfg.Pipeline.AllowInterruptions,
		EnableMetrics:      r.cfg.Pipeline.EnableMetrics,
		HeartbeatInterval:  time.Duration(r.cfg.Pipeline.HeartbeatIntervalMS) * time.Millisecond,
		AudioInSampleRate:  r.cfg.Pipeline.AudioInSampleRate,
		AudioOutSampleRate: r.cfg.Pipeline.AudioOutSampleRate,
	}
	return pipeline.NewTask(p, params, r.logger)
}

// drainTask consumes the task's output channel. The transport's egress sink
// already delivered the frames to the peer; the tap exists for the daemon's
// debug logging.
func (r *Runtime) drainTask(t *pipeline.Task) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for f := range t.Frames() {
			r.logger.Debug("frame left pipeline", slog.String("frame", frame.Label(f)))
		}
	}()
}

func (r *Runtime) procOpts() []proc.Option {
	opts := []proc.Option{
		proc.WithLogger(r.logger),
		proc.WithQueueCapacity(r.cfg.Pipeline.QueueCapacity),
	}
	if r.recorder != nil {
		opts = append(opts, proc.WithMetrics(r.recorder))
	}
	return opts
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.cfg.Transport.Mode != "nats" || r.nats.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
