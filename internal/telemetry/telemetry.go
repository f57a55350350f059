package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Exporter selects where spans and metrics are sent.
type Exporter string

const (
	// ExporterNone disables export entirely; Tracer and Meter keep
	// returning their no-op global defaults.
	ExporterNone Exporter = "none"
	// ExporterStdout writes spans and metrics to stdout, for local
	// development and debugging migrations/query plans by eye.
	ExporterStdout Exporter = "stdout"
	// ExporterOTLP ships metrics to an OTLP/HTTP collector. Tracing still
	// falls back to stdout since the module only carries the OTLP metric
	// exporter, not an OTLP trace exporter.
	ExporterOTLP Exporter = "otlp"
)

// Config controls Init. The zero value disables telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Exporter       Exporter

	// OTLPEndpoint is the collector address (host:port) used when
	// Exporter is ExporterOTLP, e.g. "localhost:4318".
	OTLPEndpoint string
	OTLPInsecure bool

	// MetricInterval is how often metrics are exported. Defaults to 15s.
	MetricInterval time.Duration
}

func (c Config) metricInterval() time.Duration {
	if c.MetricInterval <= 0 {
		return 15 * time.Second
	}
	return c.MetricInterval
}

// Shutdown flushes and stops whatever providers Init installed. It is
// always safe to call, even if Init was never called or failed partway
// through.
type Shutdown func(ctx context.Context) error

// Init installs real OTel tracer and meter providers as the global
// defaults. Before Init runs, Tracer and Meter return the SDK's built-in
// no-op implementations, so instrumented code never needs a nil check.
//
// An empty or ExporterNone Config leaves the no-op globals in place and
// returns a Shutdown that does nothing.
func Init(ctx context.Context, cfg Config) (Shutdown, error) {
	if cfg.Exporter == "" || cfg.Exporter == ExporterNone {
		return func(context.Context) error { return nil }, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp, traceShutdown, err := newTracerProvider(ctx, cfg, res)
	if err != nil {
		return nil, fmt.Errorf("telemetry: tracer provider: %w", err)
	}
	mp, metricShutdown, err := newMeterProvider(ctx, cfg, res)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, fmt.Errorf("telemetry: meter provider: %w", err)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	return func(shutdownCtx context.Context) error {
		var errs []error
		if err := traceShutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := metricShutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return joinErrors(errs)
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "quartzdb"
	}
	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(name)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}
	return resource.New(ctx,
		resource.WithAttributes(attrs...),
		resource.WithProcessRuntimeDescription(),
		resource.WithProcessRuntimeVersion(),
	)
}

func newTracerProvider(_ context.Context, _ Config, res *resource.Resource) (trace.TracerProvider, Shutdown, error) {
	// Only a stdout trace exporter is wired: the module does not carry an
	// OTLP trace exporter, so ExporterOTLP still reports spans to stdout.
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	return tp, func(shutdownCtx context.Context) error { return tp.Shutdown(shutdownCtx) }, nil
}

func newMeterProvider(ctx context.Context, cfg Config, res *resource.Resource) (metric.MeterProvider, Shutdown, error) {
	var reader sdkmetric.Reader
	switch cfg.Exporter {
	case ExporterOTLP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		exp, err := otlpmetrichttp.New(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.metricInterval()))
	default: // ExporterStdout and any unrecognized value fall back to stdout
		exp, err := stdoutmetric.New()
		if err != nil {
			return nil, nil, err
		}
		reader = sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.metricInterval()))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	return mp, func(shutdownCtx context.Context) error { return mp.Shutdown(shutdownCtx) }, nil
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := "telemetry: shutdown errors:"
	for _, e := range errs {
		msg += " " + e.Error() + ";"
	}
	return fmt.Errorf("%s", msg)
}

// Tracer returns a tracer scoped to name (conventionally the importing
// package's path). It delegates to the global TracerProvider, so it is a
// no-op until Init installs a real one.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Meter returns a meter scoped to name (conventionally the importing
// package's path). It delegates to the global MeterProvider, so it is a
// no-op until Init installs a real one.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}
