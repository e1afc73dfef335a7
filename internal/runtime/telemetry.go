package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/veldt-labs/cascade/internal/config"
)

// telemetry owns the process-wide tracer and meter providers. Traces go to an
// OTLP collector when one is configured and to stdout otherwise; metrics are
// exposed in prometheus format on the admin mux.
type telemetry struct {
	log       *slog.Logger
	shutdowns []func(context.Context) error
	metrics   http.Handler
}

func newTelemetry(ctx context.Context, cfg config.Config, log *slog.Logger) (*telemetry, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	tel := &telemetry{log: log.With(slog.String("component", "telemetry"))}
	if err := tel.initTraces(ctx, cfg, res); err != nil {
		return nil, err
	}
	tel.initMetrics(res)
	return tel, nil
}

func (t *telemetry) initTraces(ctx context.Context, cfg config.Config, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	var err error
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("create otlp trace exporter: %w", err)
		}
		t.log.Info("trace exporter ready", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("create stdout trace exporter: %w", err)
		}
		t.log.Info("trace exporter ready", slog.String("exporter", "stdout"))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	t.shutdowns = append(t.shutdowns, tp.Shutdown)
	return nil
}

// initMetrics never fails the daemon: without a prometheus reader the meter
// provider still exists and instruments record into the void.
func (t *telemetry) initMetrics(res *resource.Resource) {
	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithView(ttfbView()),
	}
	promExporter, err := prometheus.New()
	if err != nil {
		t.log.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
	} else {
		opts = append(opts, sdkmetric.WithReader(promExporter))
		t.metrics = promhttp.Handler()
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	t.shutdowns = append(t.shutdowns, mp.Shutdown)
}

// ttfbView pins the stage latency histogram to buckets that resolve
// conversational response times; the SDK defaults are too coarse below one
// second.
func ttfbView() sdkmetric.View {
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "cascade.proc.ttfb_ms"},
		sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
			Boundaries: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}},
	)
}

// Metrics returns the prometheus scrape handler, or nil when the exporter is
// degraded.
func (t *telemetry) Metrics() http.Handler { return t.metrics }

// Shutdown flushes and stops the providers in reverse creation order.
func (t *telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
