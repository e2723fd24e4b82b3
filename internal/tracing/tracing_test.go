package tracing

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()
	shutdown, err := Setup(context.Background(), Options{Enabled: false, Endpoint: "http://collector:4318"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracing must not replace the global provider")
	}
}

func TestSetupEnabledInstallsProvider(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	shutdown, err := Setup(context.Background(), Options{
		Enabled:     true,
		Endpoint:    "http://127.0.0.1:4318/v1/traces",
		Insecure:    true,
		ServiceName: "devhops-engine-test",
		SampleRatio: 1,
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	_, span := Tracer().Start(context.Background(), "noop-span")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording span from the installed provider")
	}
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// Export to the unreachable collector may fail; only the lifecycle matters here.
	_ = shutdown(ctx)
}
