package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_RequiresServiceName(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewProvider_EmitsSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()

	tp, shutdown, err := newProvider(exp, Config{ServiceName: "retouchd-test", ServiceVersion: "v0"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	_, sp := tp.Tracer("test").Start(context.Background(), "task.span")
	sp.End()

	if err := tp.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name != "task.span" {
		t.Fatalf("unexpected span name: %q", spans[0].Name)
	}

	var foundName bool
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == attribute.Key("service.name") && kv.Value.AsString() == "retouchd-test" {
			foundName = true
		}
	}
	if !foundName {
		t.Fatalf("expected resource attribute service.name=retouchd-test")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
