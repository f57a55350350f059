package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitNoneLeavesNoopProvidersAndNoopShutdown(t *testing.T) {
	tracerBefore, meterBefore := otel.GetTracerProvider(), otel.GetMeterProvider()
	shutdown, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if otel.GetTracerProvider() != tracerBefore || otel.GetMeterProvider() != meterBefore {
		t.Fatalf("Init with no exporter must leave the global providers in place")
	}
	if shutdown == nil {
		t.Fatalf("expected a non-nil shutdown func even when disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTracerAndMeterNeverReturnNil(t *testing.T) {
	if Tracer("quartzdb/test") == nil {
		t.Fatal("Tracer must never return nil, even before Init")
	}
	if Meter("quartzdb/test") == nil {
		t.Fatal("Meter must never return nil, even before Init")
	}
}

func TestInitStdoutInstallsRealProvidersAndShutsDownCleanly(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{
		ServiceName: "quartzdb-test",
		Exporter:    ExporterStdout,
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	tracer := Tracer("quartzdb/test")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	meter := Meter("quartzdb/test")
	counter, err := meter.Int64Counter("test.counter")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	counter.Add(context.Background(), 1)

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestMetricIntervalDefaultsWhenUnset(t *testing.T) {
	var cfg Config
	if cfg.metricInterval() <= 0 {
		t.Fatalf("expected a positive default metric interval")
	}
	cfg.MetricInterval = -1
	if cfg.metricInterval() <= 0 {
		t.Fatalf("expected negative intervals to fall back to the default")
	}
}
