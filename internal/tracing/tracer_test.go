package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracerProvider_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracerProvider("api", "")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTraceID(t *testing.T) {
	if id := TraceID(context.Background()); id != "" {
		t.Fatalf("expected no trace id, got %q", id)
	}
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if id := TraceID(ctx); len(id) != 32 {
		t.Fatalf("expected a 32 hex char trace id, got %q", id)
	}
}
