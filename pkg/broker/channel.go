package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the unit over which declarations, publishes and consumption happen.
// It is the subset of *amqp.Channel the system relies on.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Confirm(noWait bool) error
	Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Confirmation is a pending publisher confirm. Publish returns nil when the
// channel is not in confirm mode.
type Confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// AMQPDialer dials RabbitMQ with github.com/rabbitmq/amqp091-go.
type AMQPDialer struct{}

// Dial opens an AMQP connection bounded by cfg.ConnectTimeout.
func (AMQPDialer) Dial(_ context.Context, cfg Config) (Session, error) {
	cfg.normalize()
	uri, err := cfg.URI()
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(uri.String(), amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(cfg.ConnectTimeout),
		Properties: amqp.Table{
			"connection_name": "taskqueue",
		},
	})
	if err != nil {
		return nil, err
	}
	return &amqpSession{conn: conn}, nil
}

type amqpSession struct {
	conn *amqp.Connection
}

func (s *amqpSession) Channel() (Channel, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

func (s *amqpSession) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return s.conn.NotifyClose(receiver)
}

func (s *amqpSession) IsClosed() bool {
	return s.conn.IsClosed()
}

func (s *amqpSession) Close() error {
	return s.conn.Close()
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil {
		return nil, nil
	}
	return dc, nil
}
