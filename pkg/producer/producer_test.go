package producer

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/broker/brokertest"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/task"
)

const testQueue = "task_queue"

func openChannel(t *testing.T, b *brokertest.Broker) broker.Channel {
	t.Helper()
	conn, err := broker.Connect(context.Background(), broker.Config{}, logger.Nop(), broker.WithDialer(b))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	ch, err := conn.OpenChannel()
	if err != nil {
		t.Fatalf("OpenChannel() error = %v", err)
	}
	return ch
}

func newProducer(t *testing.T, b *brokertest.Broker, cfg Config) *Producer {
	t.Helper()
	p, err := New(context.Background(), openChannel(t, b), logger.Nop(), cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew_DeclaresQueue(t *testing.T) {
	b := brokertest.New()
	newProducer(t, b, DefaultConfig(testQueue))

	durable, exists := b.QueueDurable(testQueue)
	if !exists || !durable {
		t.Fatalf("expected durable queue to exist, durable=%v exists=%v", durable, exists)
	}
}

func TestNew_ConflictingDeclaration(t *testing.T) {
	b := brokertest.New()
	cfg := DefaultConfig(testQueue)
	cfg.Durable = false
	newProducer(t, b, cfg)

	_, err := New(context.Background(), openChannel(t, b), logger.Nop(), DefaultConfig(testQueue))
	if !errors.Is(err, broker.ErrDeclaration) {
		t.Fatalf("expected ErrDeclaration, got %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(context.Background(), nil, logger.Nop(), DefaultConfig(testQueue)); err == nil {
		t.Fatal("expected error for nil channel")
	}
	b := brokertest.New()
	if _, err := New(context.Background(), openChannel(t, b), nil, DefaultConfig(testQueue)); err == nil {
		t.Fatal("expected error for nil logger")
	}
	if _, err := New(context.Background(), openChannel(t, b), logger.Nop(), DefaultConfig("  ")); !errors.Is(err, broker.ErrDeclaration) {
		t.Fatalf("expected ErrDeclaration for empty queue, got %v", err)
	}
}

func TestPublishAll_PreservesOrder(t *testing.T) {
	b := brokertest.New()
	p := newProducer(t, b, DefaultConfig(testQueue))

	n, err := p.PublishAll(context.Background(), task.NewSliceSource("A", "B..", "C"))
	if err != nil {
		t.Fatalf("PublishAll() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("published %d, want 3", n)
	}
	if got := b.Bodies(testQueue); !reflect.DeepEqual(got, []string{"A", "B..", "C"}) {
		t.Fatalf("queue contents = %v", got)
	}
}

func TestPublish_MessageProperties(t *testing.T) {
	b := brokertest.New()
	p := newProducer(t, b, DefaultConfig(testQueue))
	if err := p.Publish(context.Background(), task.FromString("hello.")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ch := openChannel(t, b)
	deliveries, err := ch.Consume(testQueue, "inspect", true, false, false, false, nil)
	if err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	var d amqp.Delivery
	select {
	case d = <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	if string(d.Body) != "hello." {
		t.Fatalf("body = %q", d.Body)
	}
	if d.DeliveryMode != amqp.Persistent {
		t.Fatalf("delivery mode = %d, want persistent", d.DeliveryMode)
	}
	if _, err := uuid.Parse(d.MessageId); err != nil {
		t.Fatalf("message id %q is not a uuid: %v", d.MessageId, err)
	}
	if d.ContentType != defaultContentType {
		t.Fatalf("content type = %q", d.ContentType)
	}
	if got := broker.AttemptFromHeaders(d.Headers); got != 1 {
		t.Fatalf("attempt = %d, want 1", got)
	}
	if d.Timestamp.IsZero() {
		t.Fatal("expected timestamp")
	}
}

func TestPublish_TransientMessages(t *testing.T) {
	b := brokertest.New()
	cfg := DefaultConfig(testQueue)
	cfg.Persistent = false
	p := newProducer(t, b, cfg)
	if err := p.Publish(context.Background(), task.FromString("gone")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := b.Restart(); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if depth := b.Depth(testQueue); depth != 0 {
		t.Fatalf("expected transient message to be lost on restart, depth=%d", depth)
	}
}

// dropAfter closes every broker connection once n tasks have been handed out.
type dropAfter struct {
	task.Source
	b    *brokertest.Broker
	n    int
	seen int
}

func (d *dropAfter) Next(ctx context.Context) (task.Task, error) {
	if d.seen == d.n {
		d.b.DropConnections()
	}
	d.seen++
	return d.Source.Next(ctx)
}

func TestPublishAll_AbortsOnFirstFailure(t *testing.T) {
	b := brokertest.New()
	p := newProducer(t, b, DefaultConfig(testQueue))

	src := &dropAfter{Source: task.NewSliceSource("one", "two", "three", "four"), b: b, n: 2}
	n, err := p.PublishAll(context.Background(), src)
	if err == nil {
		t.Fatal("expected error after connection loss")
	}
	if !errors.Is(err, broker.ErrChannelFailure) {
		t.Fatalf("expected ErrChannelFailure, got %v", err)
	}
	if n != 2 {
		t.Fatalf("published %d before failure, want 2", n)
	}
	if got := b.Bodies(testQueue); !reflect.DeepEqual(got, []string{"one", "two"}) {
		t.Fatalf("queue contents = %v", got)
	}
}

func TestPublish_NegativeConfirm(t *testing.T) {
	b := brokertest.New()
	cfg := DefaultConfig(testQueue)
	cfg.Confirm = true
	p := newProducer(t, b, cfg)

	if err := p.Publish(context.Background(), task.FromString("ok")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	b.SetNackPublishes(true)
	if err := p.Publish(context.Background(), task.FromString("nacked")); !errors.Is(err, broker.ErrNacked) {
		t.Fatalf("expected ErrNacked, got %v", err)
	}
}

func TestPublish_CancelledContext(t *testing.T) {
	b := brokertest.New()
	p := newProducer(t, b, DefaultConfig(testQueue))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Publish(ctx, task.FromString("late")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if depth := b.Depth(testQueue); depth != 0 {
		t.Fatalf("expected nothing enqueued, depth=%d", depth)
	}
}

func TestPublishAll_RateLimited(t *testing.T) {
	b := brokertest.New()
	cfg := DefaultConfig(testQueue)
	cfg.RateLimit = 50
	p := newProducer(t, b, cfg)

	start := time.Now()
	n, err := p.PublishAll(context.Background(), task.NewSliceSource("1", "2", "3", "4", "5"))
	if err != nil || n != 5 {
		t.Fatalf("PublishAll() = %d, %v", n, err)
	}
	// Burst of one, then 20ms per token.
	if elapsed := time.Since(start); elapsed < 70*time.Millisecond {
		t.Fatalf("expected rate limiting, finished in %v", elapsed)
	}
}

func TestProperty_PublishAllPreservesOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("queue contents equal the published sequence", prop.ForAll(
		func(payloads []string) bool {
			b := brokertest.New()
			defer b.Close()
			p := newProducer(t, b, DefaultConfig(testQueue))

			n, err := p.PublishAll(context.Background(), task.NewSliceSource(payloads...))
			if err != nil || n != len(payloads) {
				return false
			}
			got := b.Bodies(testQueue)
			if len(payloads) == 0 {
				return len(got) == 0
			}
			return reflect.DeepEqual(got, payloads)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}
