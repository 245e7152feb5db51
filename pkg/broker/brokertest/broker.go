// Package brokertest provides an in-memory AMQP broker implementing broker.Dialer.
//
// It models the RabbitMQ behavior the task queue relies on: durable and transient
// queues, rejection of inequivalent redeclarations, FIFO delivery, per-channel
// prefetch, manual acknowledgements, requeue of unacknowledged deliveries when a
// channel or connection closes, consumer cancellation and publisher confirms.
// Prefetch is accounted per channel, matching one consumer per channel.
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/taskqueue/pkg/broker"
	amqp "github.com/rabbitmq/amqp091-go"
)

var errConnectionForced = &amqp.Error{
	Code:   amqp.ConnectionForced,
	Reason: "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
	Server: true,
}

// Broker is an in-memory durable queue service.
type Broker struct {
	mu sync.Mutex

	queues   map[string]*queue
	sessions map[*session]struct{}
	store    *store
	seq      uint64
	tagSeq   int
	genSeq   int

	unreachable   bool
	nackPublishes bool
	maxUnacked    map[string]int
	dials         int
}

type message struct {
	seq          uint64
	body         []byte
	messageID    string
	contentType  string
	headers      amqp.Table
	deliveryMode uint8
	timestamp    time.Time
	redelivered  bool
}

func (m *message) persistent() bool {
	return m.deliveryMode == amqp.Persistent
}

type queue struct {
	name      string
	durable   bool
	ready     []*message
	consumers []*consumer
	next      int
}

// New returns a broker that keeps durable state in memory across Restart.
func New() *Broker {
	return &Broker{
		queues:     map[string]*queue{},
		sessions:   map[*session]struct{}{},
		maxUnacked: map[string]int{},
	}
}

// NewPersistent returns a broker that stores durable queues and persistent
// messages in a bbolt file at path. A second broker opened on the same path
// after Close sees the same durable state.
func NewPersistent(path string) (*Broker, error) {
	st, err := openStore(path)
	if err != nil {
		return nil, err
	}
	b := New()
	b.store = st
	queues, seq, err := st.load()
	if err != nil {
		_ = st.close()
		return nil, err
	}
	b.queues = queues
	b.seq = seq
	return b, nil
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, cfg broker.Config) (broker.Session, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.unreachable {
		return nil, fmt.Errorf("dial tcp %s:%d: connect: connection refused", cfg.Host, cfg.Port)
	}
	s := &session{b: b, channels: map[*channel]struct{}{}}
	b.sessions[s] = struct{}{}
	return s, nil
}

// SetUnreachable makes subsequent dials fail like a refused TCP connection.
func (b *Broker) SetUnreachable(unreachable bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unreachable = unreachable
}

// SetNackPublishes makes publisher confirms come back negative.
func (b *Broker) SetNackPublishes(nack bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = nack
}

// DropConnections force-closes every open connection, as a network partition would.
// Unacknowledged deliveries go back to their queues.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropSessionsLocked()
}

// Restart simulates a broker restart: connections are forced closed, transient
// queues and non-persistent messages are lost, durable queues keep their
// persistent messages. A persistent broker reloads its state from disk.
func (b *Broker) Restart() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropSessionsLocked()

	if b.store != nil {
		path := b.store.path
		if err := b.store.close(); err != nil {
			return err
		}
		st, err := openStore(path)
		if err != nil {
			return err
		}
		queues, seq, err := st.load()
		if err != nil {
			_ = st.close()
			return err
		}
		b.store = st
		b.queues = queues
		b.seq = seq
		return nil
	}

	for name, q := range b.queues {
		if !q.durable {
			delete(b.queues, name)
			continue
		}
		kept := q.ready[:0]
		for _, m := range q.ready {
			if m.persistent() {
				kept = append(kept, m)
			}
		}
		q.ready = kept
		q.consumers = nil
		q.next = 0
	}
	return nil
}

// Close drops all connections and releases the on-disk store, if any.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropSessionsLocked()
	if b.store != nil {
		err := b.store.close()
		b.store = nil
		return err
	}
	return nil
}

func (b *Broker) dropSessionsLocked() {
	for s := range b.sessions {
		s.closeLocked(errConnectionForced)
	}
}

// Depth returns the number of ready (not in-flight) messages in queue.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// Bodies returns the ready message bodies of queue in delivery order.
func (b *Broker) Bodies(name string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, string(m.body))
	}
	return out
}

// Unacked returns the number of deliveries from queue awaiting acknowledgement.
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for s := range b.sessions {
		for ch := range s.channels {
			for _, p := range ch.unacked {
				if p.q.name == name {
					total++
				}
			}
		}
	}
	return total
}

// MaxUnacked returns the highest number of unacknowledged deliveries any single
// channel held at once for queue.
func (b *Broker) MaxUnacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxUnacked[name]
}

// QueueCount returns the number of declared queues.
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// QueueDurable reports whether queue exists and whether it is durable.
func (b *Broker) QueueDurable(name string) (durable, exists bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return false, false
	}
	return q.durable, true
}

// OpenSessions returns the number of live connections.
func (b *Broker) OpenSessions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// OpenChannels returns the number of live channels across connections.
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for s := range b.sessions {
		total += len(s.channels)
	}
	return total
}

// Dials returns how many connection attempts were made.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) declareLocked(name string, durable bool) (*queue, error) {
	if q, ok := b.queues[name]; ok {
		if q.durable != durable {
			return nil, &amqp.Error{
				Code: amqp.PreconditionFailed,
				Reason: fmt.Sprintf(
					"PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s' in vhost '/': received '%t' but current is '%t'",
					name, durable, q.durable,
				),
				Server: true,
			}
		}
		return q, nil
	}
	if durable && b.store != nil {
		if err := b.store.putQueue(name); err != nil {
			return nil, err
		}
	}
	q := &queue{name: name, durable: durable}
	b.queues[name] = q
	return q, nil
}

func (b *Broker) enqueueLocked(q *queue, m *message) error {
	b.seq++
	m.seq = b.seq
	if q.durable && m.persistent() && b.store != nil {
		if err := b.store.putMessage(q.name, m); err != nil {
			return err
		}
	}
	q.ready = append(q.ready, m)
	b.dispatchLocked(q)
	return nil
}

// forgetLocked drops a message for good, after an ack or a non-requeue reject.
func (b *Broker) forgetLocked(q *queue, m *message) error {
	if q.durable && m.persistent() && b.store != nil {
		return b.store.deleteMessage(q.name, m.seq)
	}
	return nil
}

// requeueLocked puts m back at its original position.
func (b *Broker) requeueLocked(q *queue, m *message) {
	if current, ok := b.queues[q.name]; !ok || current != q {
		return
	}
	m.redelivered = true
	idx := sort.Search(len(q.ready), func(i int) bool { return q.ready[i].seq > m.seq })
	q.ready = append(q.ready, nil)
	copy(q.ready[idx+1:], q.ready[idx:])
	q.ready[idx] = m
}

func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextConsumerLocked()
		if c == nil {
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]

		ch := c.ch
		ch.nextTag++
		tag := ch.nextTag
		if c.autoAck {
			_ = b.forgetLocked(q, m)
		} else {
			ch.unacked[tag] = &pending{msg: m, q: q}
			if n := len(ch.unacked); n > b.maxUnacked[q.name] {
				b.maxUnacked[q.name] = n
			}
		}

		c.buf = append(c.buf, amqp.Delivery{
			Acknowledger: ch,
			Headers:      broker.CloneHeaders(m.headers),
			ContentType:  m.contentType,
			DeliveryMode: m.deliveryMode,
			MessageId:    m.messageID,
			Timestamp:    m.timestamp,
			ConsumerTag:  c.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			RoutingKey:   q.name,
			Body:         append([]byte(nil), m.body...),
		})
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (b *Broker) dispatchAllLocked() {
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.dispatchLocked(b.queues[name])
	}
}

func (q *queue) nextConsumerLocked() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		idx := (q.next + i) % n
		c := q.consumers[idx]
		if c.stopped || c.ch.closed {
			continue
		}
		if c.autoAck || c.ch.prefetch == 0 || len(c.ch.unacked) < c.ch.prefetch {
			q.next = (idx + 1) % n
			return c
		}
	}
	return nil
}

func (q *queue) removeConsumerLocked(c *consumer) {
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}
