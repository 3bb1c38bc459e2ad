// Package observability wires OpenTelemetry tracing and metrics for the
// broker: request RED metrics plus domain counters for authorization
// decisions, approval transitions, and wrapper executions.
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
)

const scopeName = "opsgate"

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults with telemetry disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "opsgated",
		ServiceVersion: "dev",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		Enabled:        false,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers and the broker's
// domain instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	requestCounter  metric.Int64Counter
	errorCounter    metric.Int64Counter
	durationHist    metric.Float64Histogram
	decisionCounter metric.Int64Counter
	transitionCount metric.Int64Counter
	wrapperRuns     metric.Int64Counter
	wrapperDuration metric.Float64Histogram
}

// New creates the provider. With Enabled false it returns an inert
// provider whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "telemetry disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	if err := p.initTraceProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init trace provider: %w", err)
	}
	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("init metric provider: %w", err)
	}

	p.tracer = otel.Tracer(scopeName, trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(scopeName, metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "telemetry initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint)
	return p, nil
}

func (p *Provider) initTraceProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	if p.requestCounter, err = p.meter.Int64Counter("opsgate.requests.total",
		metric.WithDescription("API requests processed"),
		metric.WithUnit("{request}")); err != nil {
		return err
	}
	if p.errorCounter, err = p.meter.Int64Counter("opsgate.errors.total",
		metric.WithDescription("API requests that returned an error"),
		metric.WithUnit("{error}")); err != nil {
		return err
	}
	if p.durationHist, err = p.meter.Float64Histogram("opsgate.request.duration",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 30.0)); err != nil {
		return err
	}
	if p.decisionCounter, err = p.meter.Int64Counter("opsgate.decisions.total",
		metric.WithDescription("Authorization decisions by effect"),
		metric.WithUnit("{decision}")); err != nil {
		return err
	}
	if p.transitionCount, err = p.meter.Int64Counter("opsgate.transitions.total",
		metric.WithDescription("Approval request transitions by target status"),
		metric.WithUnit("{transition}")); err != nil {
		return err
	}
	if p.wrapperRuns, err = p.meter.Int64Counter("opsgate.wrapper.runs.total",
		metric.WithDescription("Wrapper executions by wrapper id and outcome"),
		metric.WithUnit("{run}")); err != nil {
		return err
	}
	if p.wrapperDuration, err = p.meter.Float64Histogram("opsgate.wrapper.duration",
		metric.WithDescription("Wrapper wall-clock runtime in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 5.0, 15.0, 30.0, 60.0, 120.0)); err != nil {
		return err
	}
	return nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "error", err)
		}
	}
	return nil
}

// Tracer returns the configured tracer. Safe on a nil provider.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return otel.Tracer(scopeName)
	}
	return p.tracer
}

// The record methods are safe on a nil or disabled provider, so callers
// hold an optional *Provider without guarding every call site.

// RecordRequest counts one API request.
func (p *Provider) RecordRequest(ctx context.Context, attrs ...attribute.KeyValue) {
	if p != nil && p.requestCounter != nil {
		p.requestCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordError counts one failed API request.
func (p *Provider) RecordError(ctx context.Context, attrs ...attribute.KeyValue) {
	if p != nil && p.errorCounter != nil {
		p.errorCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordDuration records one request's latency.
func (p *Provider) RecordDuration(ctx context.Context, d time.Duration, attrs ...attribute.KeyValue) {
	if p != nil && p.durationHist != nil {
		p.durationHist.Record(ctx, d.Seconds(), metric.WithAttributes(attrs...))
	}
}

// RecordDecision counts one authorization decision.
func (p *Provider) RecordDecision(ctx context.Context, effect string) {
	if p != nil && p.decisionCounter != nil {
		p.decisionCounter.Add(ctx, 1,
			metric.WithAttributes(attribute.String("effect", effect)))
	}
}

// RecordTransition counts one approval state transition.
func (p *Provider) RecordTransition(ctx context.Context, to string) {
	if p != nil && p.transitionCount != nil {
		p.transitionCount.Add(ctx, 1,
			metric.WithAttributes(attribute.String("to", to)))
	}
}

// RecordWrapperRun counts one wrapper execution and its runtime.
func (p *Provider) RecordWrapperRun(ctx context.Context, wrapperID string, ok bool, d time.Duration) {
	if p == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("wrapper_id", wrapperID),
		attribute.Bool("ok", ok),
	)
	if p.wrapperRuns != nil {
		p.wrapperRuns.Add(ctx, 1, attrs)
	}
	if p.wrapperDuration != nil {
		p.wrapperDuration.Record(ctx, d.Seconds(), attrs)
	}
}
