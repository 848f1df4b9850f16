// Package observability wires OpenTelemetry tracing and metrics for the case
// core: OTLP export, trace propagation, and counters over the operations
// that matter operationally (intakes, transitions, integrity alerts).
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

// Config configures the OpenTelemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // gRPC endpoint, e.g. "localhost:4317"
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns development defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "caseledger",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        true,
		Insecure:       true,
	}
}

// Provider manages the trace and metric providers plus the core's domain
// metrics.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	logger         *slog.Logger

	intakeCounter     metric.Int64Counter
	transitionCounter metric.Int64Counter
	integrityAlerts   metric.Int64Counter
	commitDuration    metric.Float64Histogram
}

// New creates the provider and installs it globally. A disabled config
// returns a provider whose record methods are no-ops.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
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
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "observability initialized",
		slog.String("service", config.ServiceName),
		slog.String("endpoint", config.OTLPEndpoint),
	)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: trace exporter: %w", err)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("observability: metric exporter: %w", err)
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
	meter := otel.Meter("caseledger", metric.WithInstrumentationVersion(p.config.ServiceVersion))

	var err error
	p.intakeCounter, err = meter.Int64Counter("caseledger.intakes.total",
		metric.WithDescription("Cases opened"),
		metric.WithUnit("{case}"),
	)
	if err != nil {
		return err
	}
	p.transitionCounter, err = meter.Int64Counter("caseledger.transitions.total",
		metric.WithDescription("Committed state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return err
	}
	p.integrityAlerts, err = meter.Int64Counter("caseledger.integrity_alerts.total",
		metric.WithDescription("Checksum mismatches detected during verification"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return err
	}
	p.commitDuration, err = meter.Float64Histogram("caseledger.commit.duration",
		metric.WithDescription("Case mutation commit duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	return err
}

// Tracer returns the tracer for the core.
func (p *Provider) Tracer() trace.Tracer {
	return otel.Tracer("caseledger")
}

// RecordIntake counts one opened case.
func (p *Provider) RecordIntake(ctx context.Context, sourceType string) {
	if p.intakeCounter != nil {
		p.intakeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", sourceType)))
	}
}

// RecordTransition counts one committed transition.
func (p *Provider) RecordTransition(ctx context.Context, toState string) {
	if p.transitionCounter != nil {
		p.transitionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("to_state", toState)))
	}
}

// RecordIntegrityAlert counts one checksum mismatch.
func (p *Provider) RecordIntegrityAlert(ctx context.Context) {
	if p.integrityAlerts != nil {
		p.integrityAlerts.Add(ctx, 1)
	}
}

// RecordCommitDuration records one mutation commit latency.
func (p *Provider) RecordCommitDuration(ctx context.Context, d time.Duration) {
	if p.commitDuration != nil {
		p.commitDuration.Record(ctx, d.Seconds())
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", slog.String("error", err.Error()))
		}
	}
	return nil
}
