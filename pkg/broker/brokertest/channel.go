package brokertest

import (
	"context"
	"fmt"
	"time"

	"github.com/nimburion/taskqueue/pkg/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

type session struct {
	b        *Broker
	channels map[*channel]struct{}
	closed   bool
	notify   []chan *amqp.Error
}

func (s *session) Channel() (broker.Channel, error) {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{
		b:         s.b,
		s:         s,
		unacked:   map[uint64]*pending{},
		consumers: map[string]*consumer{},
	}
	s.channels[ch] = struct{}{}
	return ch, nil
}

func (s *session) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		close(receiver)
		return receiver
	}
	s.notify = append(s.notify, receiver)
	return receiver
}

func (s *session) IsClosed() bool {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.closed
}

func (s *session) Close() error {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	if s.closed {
		return amqp.ErrClosed
	}
	s.closeLocked(nil)
	return nil
}

func (s *session) closeLocked(reason *amqp.Error) {
	if s.closed {
		return
	}
	s.closed = true
	for ch := range s.channels {
		ch.closeLocked(reason)
	}
	delete(s.b.sessions, s)
	notifyLocked(s.notify, reason)
	s.notify = nil
}

type pending struct {
	msg *message
	q   *queue
}

type channel struct {
	b         *Broker
	s         *session
	prefetch  int
	confirm   bool
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	closed    bool
	notify    []chan *amqp.Error
}

func (ch *channel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		b.genSeq++
		name = fmt.Sprintf("amq.gen-%d", b.genSeq)
	}
	q, err := b.declareLocked(name, durable)
	if err != nil {
		if amqpErr, ok := err.(*amqp.Error); ok {
			ch.closeLocked(amqpErr)
		}
		return amqp.Queue{}, err
	}
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *channel) Qos(prefetchCount, _ int, _ bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if prefetchCount < 0 {
		return fmt.Errorf("prefetch count must be >= 0")
	}
	ch.prefetch = prefetchCount
	b.dispatchAllLocked()
	return nil
}

func (ch *channel) Consume(queueName, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		err := &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName),
			Server: true,
		}
		ch.closeLocked(err)
		return nil, err
	}
	if consumerTag == "" {
		b.tagSeq++
		consumerTag = fmt.Sprintf("ctag-%d", b.tagSeq)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		err := &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + consumerTag + "'", Server: true}
		ch.closeLocked(err)
		return nil, err
	}

	c := &consumer{
		tag:     consumerTag,
		ch:      ch,
		q:       q,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	ch.consumers[consumerTag] = c
	q.consumers = append(q.consumers, c)
	go c.forward(&b.mu)
	b.dispatchLocked(q)
	return c.out, nil
}

func (ch *channel) Cancel(consumerTag string, _ bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	c, ok := ch.consumers[consumerTag]
	if !ok {
		return nil
	}
	delete(ch.consumers, consumerTag)
	c.q.removeConsumerLocked(c)
	c.stopLocked()
	return nil
}

func (ch *channel) Confirm(_ bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *channel) Publish(ctx context.Context, exchange, key string, msg amqp.Publishing) (broker.Confirmation, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if exchange != "" {
		err := &amqp.Error{
			Code:   amqp.NotFound,
			Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchange),
			Server: true,
		}
		ch.closeLocked(err)
		return nil, err
	}

	// Unroutable messages are dropped, as the default exchange does without mandatory.
	if q, ok := b.queues[key]; ok {
		ts := msg.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		m := &message{
			body:         append([]byte(nil), msg.Body...),
			messageID:    msg.MessageId,
			contentType:  msg.ContentType,
			headers:      broker.CloneHeaders(msg.Headers),
			deliveryMode: msg.DeliveryMode,
			timestamp:    ts,
		}
		if err := b.enqueueLocked(q, m); err != nil {
			return nil, err
		}
	}

	if !ch.confirm {
		return nil, nil
	}
	return confirmation{acked: !b.nackPublishes}, nil
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *channel) IsClosed() bool {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *channel) Close() error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closeLocked(nil)
	return nil
}

// closeLocked stops the channel's consumers and returns its unacknowledged
// deliveries to their queues.
func (ch *channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.b

	for tag, c := range ch.consumers {
		c.q.removeConsumerLocked(c)
		c.stopLocked()
		delete(ch.consumers, tag)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	touched := map[*queue]struct{}{}
	for _, tag := range tags {
		p := ch.unacked[tag]
		b.requeueLocked(p.q, p.msg)
		touched[p.q] = struct{}{}
	}
	ch.unacked = map[uint64]*pending{}

	delete(ch.s.channels, ch)
	notifyLocked(ch.notify, reason)
	ch.notify = nil

	for q := range touched {
		b.dispatchLocked(q)
	}
}

// Ack implements amqp.Acknowledger.
func (ch *channel) Ack(tag uint64, multiple bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range settled {
		if err := b.forgetLocked(p.q, p.msg); err != nil && firstErr == nil {
			firstErr = err
		}
		b.dispatchLocked(p.q)
	}
	return firstErr
}

// Nack implements amqp.Acknowledger.
func (ch *channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	settled, err := ch.settleLocked(tag, multiple)
	if err != nil {
		return err
	}
	var firstErr error
	for _, p := range settled {
		if requeue {
			b.requeueLocked(p.q, p.msg)
		} else if err := b.forgetLocked(p.q, p.msg); err != nil && firstErr == nil {
			firstErr = err
		}
		b.dispatchLocked(p.q)
	}
	return firstErr
}

// Reject implements amqp.Acknowledger.
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *channel) settleLocked(tag uint64, multiple bool) ([]*pending, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if !multiple {
		p, ok := ch.unacked[tag]
		if !ok {
			err := &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
				Server: true,
			}
			ch.closeLocked(err)
			return nil, err
		}
		delete(ch.unacked, tag)
		return []*pending{p}, nil
	}

	var settled []*pending
	for t, p := range ch.unacked {
		if t <= tag {
			settled = append(settled, p)
			delete(ch.unacked, t)
		}
	}
	return settled, nil
}

type confirmation struct {
	acked bool
}

func (c confirmation) WaitContext(ctx context.Context) (bool, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return false, err
		}
	}
	return c.acked, nil
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, receiver := range receivers {
		if reason != nil {
			select {
			case receiver <- reason:
			default:
			}
		}
		close(receiver)
	}
}
