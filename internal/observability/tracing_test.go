package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracingDisabledIsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil)
	if err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestApplyEnvDefaults(t *testing.T) {
	t.Setenv("MESHCORE_TRACING_ENABLED", "true")
	t.Setenv("MESHCORE_TRACING_SAMPLE_RATIO", "0.5")
	cfg := TracingConfig{}.ApplyEnv()
	if !cfg.Enabled || cfg.Exporter != "stdout" || cfg.ServiceName != "meshcored" || cfg.SampleRatio != 0.5 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestStartSpanRecordsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "runtime.connect", attribute.String("interface", "mqtt-1"))
	EndSpan(span, errors.New("refused"))

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(ended))
	}
	if ended[0].Name() != "runtime.connect" || ended[0].Status().Code != otelcodes.Error {
		t.Fatalf("span = %s status %v", ended[0].Name(), ended[0].Status())
	}
}
