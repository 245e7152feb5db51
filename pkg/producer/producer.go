// Package producer enqueues tasks onto a durable work queue.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/time/rate"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/observability/metrics"
	"github.com/nimburion/taskqueue/pkg/observability/tracing"
	"github.com/nimburion/taskqueue/pkg/task"
)

const (
	defaultContentType    = "text/plain"
	defaultConfirmTimeout = 5 * time.Second
)

// Config controls how tasks are published.
type Config struct {
	Queue string
	// Durable must match what every other participant declares the queue with.
	Durable bool
	// Persistent marks messages with delivery mode 2 so they survive a broker restart.
	Persistent bool
	// Confirm waits for the broker to acknowledge each publish.
	Confirm        bool
	ConfirmTimeout time.Duration
	// RateLimit caps publishes per second; zero means unlimited.
	RateLimit   float64
	Burst       int
	ContentType string
}

// DefaultConfig returns a config for a durable queue with persistent messages.
func DefaultConfig(queue string) Config {
	return Config{
		Queue:          queue,
		Durable:        true,
		Persistent:     true,
		ConfirmTimeout: defaultConfirmTimeout,
		ContentType:    defaultContentType,
	}
}

func (c *Config) normalize() {
	c.Queue = strings.TrimSpace(c.Queue)
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = defaultConfirmTimeout
	}
	if strings.TrimSpace(c.ContentType) == "" {
		c.ContentType = defaultContentType
	}
	if c.RateLimit > 0 && c.Burst <= 0 {
		c.Burst = 1
	}
}

// Producer publishes tasks to one queue over one channel. It is not safe for
// concurrent use; open one producer per goroutine.
type Producer struct {
	ch      broker.Channel
	cfg     Config
	log     logger.Logger
	limiter *rate.Limiter
}

// New declares the queue and returns a producer for it.
func New(ctx context.Context, ch broker.Channel, log logger.Logger, cfg Config) (*Producer, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()

	if _, err := broker.Declare(ctx, ch, broker.QueueSpec{Name: cfg.Queue, Durable: cfg.Durable}); err != nil {
		return nil, err
	}
	if cfg.Confirm {
		if err := ch.Confirm(false); err != nil {
			return nil, fmt.Errorf("enable publisher confirms: %w", errors.Join(broker.ErrChannelFailure, err))
		}
	}

	p := &Producer{
		ch:  ch,
		cfg: cfg,
		log: log.With("queue", cfg.Queue),
	}
	if cfg.RateLimit > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return p, nil
}

// Publish enqueues t at the tail of the queue. Once Publish returns nil the broker
// has accepted the message; with Confirm set it has also confirmed it.
func (p *Producer) Publish(ctx context.Context, t task.Task) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	msg := amqp.Publishing{
		MessageId:   uuid.NewString(),
		ContentType: p.cfg.ContentType,
		Timestamp:   time.Now().UTC(),
		Body:        t.Bytes(),
		Headers: amqp.Table{
			broker.HeaderAttempt: int32(1),
		},
	}
	if p.cfg.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}

	ctx, span := tracing.StartMessagingSpan(ctx, tracing.SpanOperationPublish,
		tracing.WithMessagingDestination(p.cfg.Queue),
		tracing.WithMessagingMessageID(msg.MessageId),
		tracing.WithMessagingPayloadSize(t.Len()),
	)
	defer span.End()
	tracing.Inject(ctx, msg.Headers)

	publishCtx := ctx
	if p.cfg.Confirm {
		var cancel context.CancelFunc
		publishCtx, cancel = context.WithTimeout(ctx, p.cfg.ConfirmTimeout)
		defer cancel()
	}

	if err := broker.Publish(publishCtx, p.ch, p.cfg.Queue, msg); err != nil {
		tracing.RecordError(span, err)
		p.log.WithContext(ctx).Error("task publish failed", "message_id", msg.MessageId, "error", err)
		return err
	}

	tracing.RecordSuccess(span)
	metrics.RecordPublished(p.cfg.Queue)
	p.log.WithContext(ctx).Debug("task published", "message_id", msg.MessageId, "size", t.Len())
	return nil
}

// PublishAll drains source in order, publishing each task. It stops at the first
// failure and returns how many tasks were published before it. Published tasks
// are not rolled back.
func (p *Producer) PublishAll(ctx context.Context, source task.Source) (int, error) {
	if source == nil {
		return 0, errors.New("task source is required")
	}
	published := 0
	for {
		t, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			p.log.Info("tasks published", "count", published)
			return published, nil
		}
		if err != nil {
			return published, fmt.Errorf("read task %d: %w", published+1, err)
		}
		if err := p.Publish(ctx, t); err != nil {
			return published, fmt.Errorf("publish task %d: %w", published+1, err)
		}
		published++
	}
}
