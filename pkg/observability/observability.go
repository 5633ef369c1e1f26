// Package observability provides OpenTelemetry tracing and RED metrics for
// the request surface, plus a gauge for live stream subscriptions. With no
// OTLP endpoint configured the instruments fall back to the no-op globals.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
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

const scopeName = "tokyo-predictor"

// Config configures the telemetry providers.
type Config struct {
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	Enabled      bool
}

// Provider owns the tracer, the meter, and the RED instruments.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	logger         *slog.Logger

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
	durationHist   metric.Float64Histogram
	activeStreams  metric.Int64UpDownCounter
}

// New creates the provider. When cfg.Enabled is false the global no-op
// providers back the instruments and nothing is exported.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{logger: logger}

	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		))
		if err != nil {
			return nil, fmt.Errorf("build otel resource: %w", err)
		}

		traceExp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
		p.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithResource(res),
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
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		p.meterProvider = sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(p.meterProvider)
	}

	p.tracer = otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)

	var err error
	if p.requestCounter, err = meter.Int64Counter("http.server.requests",
		metric.WithDescription("Handled HTTP requests")); err != nil {
		return nil, err
	}
	if p.errorCounter, err = meter.Int64Counter("http.server.errors",
		metric.WithDescription("HTTP responses with status >= 500")); err != nil {
		return nil, err
	}
	if p.durationHist, err = meter.Float64Histogram("http.server.duration",
		metric.WithDescription("Request duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if p.activeStreams, err = meter.Int64UpDownCounter("stream.subscriptions",
		metric.WithDescription("Live stream subscriptions")); err != nil {
		return nil, err
	}

	return p, nil
}

// Middleware records RED metrics and a span per request.
func (p *Provider) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := p.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		attrs := metric.WithAttributes(
			attribute.String("http.route", r.URL.Path),
			attribute.String("http.method", r.Method),
			attribute.Int("http.status_code", rec.status),
		)
		p.requestCounter.Add(ctx, 1, attrs)
		if rec.status >= 500 {
			p.errorCounter.Add(ctx, 1, attrs)
		}
		p.durationHist.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	})
}

// StreamOpened increments the subscription gauge.
func (p *Provider) StreamOpened(ctx context.Context) {
	p.activeStreams.Add(ctx, 1)
}

// StreamClosed decrements the subscription gauge.
func (p *Provider) StreamClosed(ctx context.Context) {
	p.activeStreams.Add(ctx, -1)
}

// Shutdown flushes exporters at process exit.
func (p *Provider) Shutdown(ctx context.Context) {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.Warn("tracer shutdown failed", "error", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.Warn("meter shutdown failed", "error", err)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
