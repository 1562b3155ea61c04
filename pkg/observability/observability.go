// Package observability wires OpenTelemetry tracing and metrics for the
// ingest edge and the worker. With no OTLP endpoint configured the
// provider is inert and every instrument call is a no-op, so callers
// never branch on whether telemetry is on.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config configures the providers.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
}

// Provider holds the tracer, meter, and the pipeline's instruments.
type Provider struct {
	enabled        bool
	logger         *slog.Logger
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer

	requests       metric.Int64Counter
	rejections     metric.Int64Counter
	acceptedEvents metric.Int64Counter
	duplicates     metric.Int64Counter
	replays        metric.Int64Counter
	consentDrops   metric.Int64Counter
	anomalies      metric.Int64Counter
	workerEntries  metric.Int64Counter
	workerErrors   metric.Int64Counter
	duration       metric.Float64Histogram
}

// New builds the provider. An empty OTLP endpoint yields a disabled,
// fully usable provider.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger.With("component", "observability")}

	if cfg.OTLPEndpoint == "" {
		p.logger.Info("telemetry disabled, no OTLP endpoint configured")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	traceExp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("init trace exporter: %w", err)
	}
	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	metricExp, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("init metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)

	p.tracer = p.tracerProvider.Tracer(cfg.ServiceName)
	meter := p.meterProvider.Meter(cfg.ServiceName)
	if err := p.initInstruments(meter); err != nil {
		return nil, err
	}

	p.enabled = true
	p.logger.Info("telemetry enabled", "endpoint", cfg.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initInstruments(meter metric.Meter) error {
	var err error
	if p.requests, err = meter.Int64Counter("ingest.requests",
		metric.WithDescription("Ingest requests received")); err != nil {
		return err
	}
	if p.rejections, err = meter.Int64Counter("ingest.rejections",
		metric.WithDescription("Requests rejected, by reason")); err != nil {
		return err
	}
	if p.acceptedEvents, err = meter.Int64Counter("ingest.events.accepted",
		metric.WithDescription("Events accepted into the queue")); err != nil {
		return err
	}
	if p.duplicates, err = meter.Int64Counter("ingest.events.duplicates",
		metric.WithDescription("Purchase events dropped as duplicates")); err != nil {
		return err
	}
	if p.replays, err = meter.Int64Counter("ingest.events.replays",
		metric.WithDescription("Purchase events dropped by nonce replay")); err != nil {
		return err
	}
	if p.consentDrops, err = meter.Int64Counter("ingest.events.consent_dropped",
		metric.WithDescription("Events dropped with zero consented destinations")); err != nil {
		return err
	}
	if p.anomalies, err = meter.Int64Counter("ingest.abuse.anomalies",
		metric.WithDescription("Abuse heuristic anomalies, by heuristic")); err != nil {
		return err
	}
	if p.workerEntries, err = meter.Int64Counter("worker.entries",
		metric.WithDescription("Queue entries processed, by outcome")); err != nil {
		return err
	}
	if p.workerErrors, err = meter.Int64Counter("worker.errors",
		metric.WithDescription("Worker processing failures")); err != nil {
		return err
	}
	if p.duration, err = meter.Float64Histogram("ingest.request.duration",
		metric.WithDescription("Request handling duration"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// RegisterQueueDepth registers a gauge observed from the queue on each
// metric collection.
func (p *Provider) RegisterQueueDepth(observe func(ctx context.Context) (pending, inFlight int64, err error)) error {
	if !p.enabled {
		return nil
	}
	meter := p.meterProvider.Meter("queue")
	_, err := meter.Int64ObservableGauge("ingest.queue.depth",
		metric.WithDescription("Queue depth, pending and in-flight"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			pending, inFlight, err := observe(ctx)
			if err != nil {
				return nil // depth is best-effort
			}
			o.Observe(pending, metric.WithAttributes(attribute.String("list", "queue")))
			o.Observe(inFlight, metric.WithAttributes(attribute.String("list", "processing")))
			return nil
		}),
	)
	return err
}

// StartSpan starts a span when tracing is enabled; otherwise it returns
// the context unchanged with a no-op span.
func (p *Provider) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if !p.enabled {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}
	return p.tracer.Start(ctx, name)
}

func (p *Provider) Request(ctx context.Context, status int) {
	if !p.enabled {
		return
	}
	p.requests.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status", status)))
}

func (p *Provider) Rejection(ctx context.Context, reason string) {
	if !p.enabled {
		return
	}
	p.rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (p *Provider) AcceptedEvents(ctx context.Context, n int) {
	if !p.enabled {
		return
	}
	p.acceptedEvents.Add(ctx, int64(n))
}

func (p *Provider) Duplicates(ctx context.Context, n int) {
	if !p.enabled || n == 0 {
		return
	}
	p.duplicates.Add(ctx, int64(n))
}

func (p *Provider) Replays(ctx context.Context, n int) {
	if !p.enabled || n == 0 {
		return
	}
	p.replays.Add(ctx, int64(n))
}

func (p *Provider) ConsentDrops(ctx context.Context, n int) {
	if !p.enabled || n == 0 {
		return
	}
	p.consentDrops.Add(ctx, int64(n))
}

func (p *Provider) Anomaly(ctx context.Context, heuristic string) {
	if !p.enabled {
		return
	}
	p.anomalies.Add(ctx, 1, metric.WithAttributes(attribute.String("heuristic", heuristic)))
}

func (p *Provider) WorkerEntry(ctx context.Context, outcome string) {
	if !p.enabled {
		return
	}
	p.workerEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (p *Provider) WorkerError(ctx context.Context) {
	if !p.enabled {
		return
	}
	p.workerErrors.Add(ctx, 1)
}

func (p *Provider) Duration(ctx context.Context, elapsed time.Duration, status int) {
	if !p.enabled {
		return
	}
	p.duration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.Int("http.status", status)))
}

// Shutdown flushes and stops the exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var firstErr error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
