// Package telemetry wires OpenTelemetry traces and metrics plus the
// trace-aware slog handler used across Watt.
package telemetry

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ShutdownFunc is a function that cleans up telemetry resources.
type ShutdownFunc func(context.Context) error

// Config controls telemetry exporter behavior.
type Config struct {
	Exporter           string // none, stdout, otlp (gRPC), otlp-http
	OTLPEndpoint       string
	OTLPInsecure       bool
	OTLPTimeoutSeconds int
	OTLPHeaders        map[string]string
	OTLPUser           string
	OTLPToken          string
}

// Init initializes the OpenTelemetry SDK with stdout exporters.
func Init(serviceName, version string) (ShutdownFunc, error) {
	return InitWithConfig(serviceName, version, Config{Exporter: "stdout"})
}

// InitWithConfig initializes the OpenTelemetry SDK with the specified exporter.
// The "none" exporter leaves the global no-op providers in place.
func InitWithConfig(serviceName, version string, cfg Config) (ShutdownFunc, error) {
	if cfg.Exporter == "none" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp, mp, err := initProviders(res, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("telemetry shutdown errors: %v", errs)
		}
		return nil
	}, nil
}

func initProviders(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	switch cfg.Exporter {
	case "", "stdout":
		return initStdout(res)
	case "otlp", "otlp-grpc":
		if cfg.OTLPEndpoint == "" {
			return nil, nil, fmt.Errorf("otlp endpoint is required")
		}
		return initOTLPGRPC(res, cfg)
	case "otlp-http":
		if cfg.OTLPEndpoint == "" {
			return nil, nil, fmt.Errorf("otlp endpoint is required")
		}
		return initOTLPHTTP(res, cfg)
	default:
		return nil, nil, fmt.Errorf("unknown telemetry exporter: %s", cfg.Exporter)
	}
}

func newProviders(res *resource.Resource, spanExp trace.SpanExporter, metricExp metric.Exporter) (*trace.TracerProvider, *metric.MeterProvider) {
	tp := trace.NewTracerProvider(
		trace.WithBatcher(spanExp, trace.WithBatchTimeout(time.Second)),
		trace.WithResource(res),
	)
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExp, metric.WithInterval(time.Minute))),
		metric.WithResource(res),
	)
	return tp, mp
}

func initStdout(res *resource.Resource) (*trace.TracerProvider, *metric.MeterProvider, error) {
	traceExporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	tp, mp := newProviders(res, traceExporter, metricExporter)
	return tp, mp, nil
}

func initOTLPGRPC(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	headers := otlpHeaders(cfg)
	timeout := otlpTimeout(cfg)
	traceOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithTimeout(timeout),
		otlptracegrpc.WithHeaders(headers),
	}
	metricOpts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithTimeout(timeout),
		otlpmetricgrpc.WithHeaders(headers),
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(context.Background(), traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(context.Background(), metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp metric exporter: %w", err)
	}
	tp, mp := newProviders(res, traceExporter, metricExporter)
	return tp, mp, nil
}

func initOTLPHTTP(res *resource.Resource, cfg Config) (*trace.TracerProvider, *metric.MeterProvider, error) {
	headers := otlpHeaders(cfg)
	timeout := otlpTimeout(cfg)
	traceOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.OTLPEndpoint),
		otlptracehttp.WithTimeout(timeout),
		otlptracehttp.WithHeaders(headers),
	}
	metricOpts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetrichttp.WithTimeout(timeout),
		otlpmetrichttp.WithHeaders(headers),
	}
	if cfg.OTLPInsecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}

	traceExporter, err := otlptracehttp.New(context.Background(), traceOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp http trace exporter: %w", err)
	}
	metricExporter, err := otlpmetrichttp.New(context.Background(), metricOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create otlp http metric exporter: %w", err)
	}
	tp, mp := newProviders(res, traceExporter, metricExporter)
	return tp, mp, nil
}

// otlpHeaders merges static headers with basic auth from user/token.
func otlpHeaders(cfg Config) map[string]string {
	headers := make(map[string]string, len(cfg.OTLPHeaders)+1)
	for k, v := range cfg.OTLPHeaders {
		headers[k] = v
	}
	if cfg.OTLPUser != "" && cfg.OTLPToken != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.OTLPUser + ":" + cfg.OTLPToken))
		headers["Authorization"] = "Basic " + creds
	}
	return headers
}

func otlpTimeout(cfg Config) time.Duration {
	if cfg.OTLPTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(cfg.OTLPTimeoutSeconds) * time.Second
}
