package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultDeadLetterSuffix names the dead-letter queue paired with a work queue.
const DefaultDeadLetterSuffix = ".dlq"

// QueueSpec identifies a queue and the parameters every participant declares it with.
type QueueSpec struct {
	Name    string
	Durable bool
}

// Queue is the broker's view of a declared queue.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// Declare ensures the queue exists. Declaring with identical parameters is a no-op;
// declaring with a different durability fails with ErrDeclaration. The parameter
// check itself is enforced by the broker, which rejects the redeclaration and
// closes the channel.
func Declare(ctx context.Context, ch Channel, spec QueueSpec) (Queue, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return Queue{}, brokerError(ErrDeclaration, "queue name is required")
	}
	if ch == nil {
		return Queue{}, brokerError(ErrDeclaration, "channel is required")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return Queue{}, err
		}
	}

	q, err := ch.QueueDeclare(name, spec.Durable, false, false, false, nil)
	if err != nil {
		return Queue{}, fmt.Errorf("declare queue %q: %w", name, classifyChannelError("declare", err))
	}
	return Queue{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}, nil
}

// DeadLetterName returns the dead-letter queue name for queue.
func DeadLetterName(queue, suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		suffix = DefaultDeadLetterSuffix
	}
	return strings.TrimSpace(queue) + suffix
}

// Publish sends msg to queue through the default exchange. When the channel is in
// confirm mode it waits for the broker's confirmation.
func Publish(ctx context.Context, ch Channel, queue string, msg amqp.Publishing) error {
	if ch == nil {
		return errors.New("channel is required")
	}
	confirm, err := ch.Publish(ctx, "", queue, msg)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", queue, classifyChannelError("publish", err))
	}
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm from %q: %w", queue, classifyChannelError("confirm", err))
	}
	if !acked {
		return fmt.Errorf("publish to %q: %w", queue, ErrNacked)
	}
	return nil
}
