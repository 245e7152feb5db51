package brokertest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// consumer buffers dispatched deliveries client-side, like the amqp091 library
// does, and hands them to the application one at a time.
type consumer struct {
	tag     string
	ch      *channel
	q       *queue
	autoAck bool

	out     chan amqp.Delivery
	buf     []amqp.Delivery
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

func (c *consumer) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	c.buf = nil
	close(c.stop)
}

func (c *consumer) forward(mu *sync.Mutex) {
	defer close(c.out)
	for {
		mu.Lock()
		if c.stopped {
			mu.Unlock()
			return
		}
		if len(c.buf) == 0 {
			mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.stop:
				return
			}
		}
		d := c.buf[0]
		c.buf = c.buf[1:]
		mu.Unlock()

		select {
		case c.out <- d:
		case <-c.stop:
			return
		}
	}
}
