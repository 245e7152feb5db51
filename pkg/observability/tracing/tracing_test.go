package tracing

import (
	"context"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	provider, err := NewTracerProvider(context.Background(), TracerConfig{ServiceName: "taskqueue"})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}
	if provider.Tracer("test") == nil {
		t.Fatal("expected tracer to be non-nil")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewTracerProvider_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{"missing service name", TracerConfig{Enabled: true, Endpoint: "localhost:4317"}, "service name is required"},
		{"missing endpoint", TracerConfig{Enabled: true, ServiceName: "taskqueue"}, "OTLP endpoint is required"},
		{"negative sample rate", TracerConfig{Enabled: true, ServiceName: "taskqueue", Endpoint: "localhost:4317", SampleRate: -0.1}, "sample rate"},
		{"sample rate above one", TracerConfig{Enabled: true, ServiceName: "taskqueue", Endpoint: "localhost:4317", SampleRate: 1.5}, "sample rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTracerProvider(context.Background(), tt.config)
			if err == nil || !strings.Contains(err.Error(), tt.expectedErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectedErr, err)
			}
		})
	}
}

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	return recorder
}

func TestStartMessagingSpan(t *testing.T) {
	recorder := installRecorder(t)

	_, span := StartMessagingSpan(context.Background(), SpanOperationPublish,
		WithMessagingDestination("tasks"),
		WithMessagingMessageID("id-1"),
		WithMessagingPayloadSize(3),
	)
	RecordSuccess(span)
	span.End()

	_, span = StartMessagingSpan(context.Background(), SpanOperationProcess, WithDeliveryAttempt(2, true))
	span.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(ended))
	}
	if ended[0].Name() != "tasks publish" || ended[0].SpanKind() != trace.SpanKindProducer {
		t.Fatalf("unexpected publish span %q kind %v", ended[0].Name(), ended[0].SpanKind())
	}
	if ended[1].Name() != "process" || ended[1].SpanKind() != trace.SpanKindConsumer {
		t.Fatalf("unexpected process span %q kind %v", ended[1].Name(), ended[1].SpanKind())
	}
}

func TestInjectExtract_RoundTripsThroughHeaders(t *testing.T) {
	installRecorder(t)

	ctx, span := StartMessagingSpan(context.Background(), SpanOperationPublish)
	defer span.End()

	headers := amqp.Table{"x-task-attempt": int32(1)}
	Inject(ctx, headers)
	if HeaderCarrier(headers).Get("traceparent") == "" {
		t.Fatalf("expected traceparent header, got %#v", headers)
	}

	extracted := trace.SpanContextFromContext(Extract(context.Background(), headers))
	if extracted.TraceID() != span.SpanContext().TraceID() {
		t.Fatalf("trace id not propagated: %s vs %s", extracted.TraceID(), span.SpanContext().TraceID())
	}

	if got := Extract(context.Background(), nil); trace.SpanContextFromContext(got).IsValid() {
		t.Fatal("expected no span context from empty headers")
	}
}
