package tracing

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/nimburion/taskqueue"

// SpanOperation represents a traced messaging operation.
type SpanOperation string

const (
	// SpanOperationPublish covers enqueuing one task.
	SpanOperationPublish SpanOperation = "publish"
	// SpanOperationProcess covers handling one delivery.
	SpanOperationProcess SpanOperation = "process"
)

// StartMessagingSpan starts a span for a broker operation. Publish spans are
// producer spans; everything else is a consumer span.
func StartMessagingSpan(ctx context.Context, operation SpanOperation, opts ...MessagingSpanOption) (context.Context, trace.Span) {
	spanOpts := &messagingSpanOptions{
		attributes: []attribute.KeyValue{
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.operation", string(operation)),
		},
	}
	for _, opt := range opts {
		opt(spanOpts)
	}

	spanName := string(operation)
	if spanOpts.destination != "" {
		spanName = fmt.Sprintf("%s %s", spanOpts.destination, operation)
	}

	kind := trace.SpanKindConsumer
	if operation == SpanOperationPublish {
		kind = trace.SpanKindProducer
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, spanName, trace.WithSpanKind(kind))
	span.SetAttributes(spanOpts.attributes...)
	return ctx, span
}

// MessagingSpanOption configures a messaging span.
type MessagingSpanOption func(*messagingSpanOptions)

type messagingSpanOptions struct {
	destination string
	attributes  []attribute.KeyValue
}

// WithMessagingDestination sets the queue name.
func WithMessagingDestination(destination string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.destination = destination
		opts.attributes = append(opts.attributes, attribute.String("messaging.destination.name", destination))
	}
}

// WithMessagingMessageID sets the message ID.
func WithMessagingMessageID(messageID string) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		if messageID == "" {
			return
		}
		opts.attributes = append(opts.attributes, attribute.String("messaging.message.id", messageID))
	}
}

// WithMessagingPayloadSize sets the payload size in bytes.
func WithMessagingPayloadSize(size int) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes, attribute.Int("messaging.message.body.size", size))
	}
}

// WithDeliveryAttempt records how many times the task has been attempted.
func WithDeliveryAttempt(attempt int, redelivered bool) MessagingSpanOption {
	return func(opts *messagingSpanOptions) {
		opts.attributes = append(opts.attributes,
			attribute.Int("messaging.rabbitmq.attempt", attempt),
			attribute.Bool("messaging.rabbitmq.redelivered", redelivered),
		)
	}
}

// RecordError records err on span and marks the span as failed.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// RecordSuccess sets the span status to OK.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// HeaderCarrier adapts AMQP headers to a propagation.TextMapCarrier.
type HeaderCarrier amqp.Table

// Get returns the string value stored under key.
func (c HeaderCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

// Set stores value under key.
func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the header keys.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = HeaderCarrier(nil)

// Inject writes the trace context of ctx into headers.
func Inject(ctx context.Context, headers amqp.Table) {
	if headers == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, HeaderCarrier(headers))
}

// Extract returns ctx extended with the trace context carried by headers.
func Extract(ctx context.Context, headers amqp.Table) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, HeaderCarrier(headers))
}
