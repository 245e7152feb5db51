package broker

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrConnection classifies failures to establish a broker session (unreachable, refused, timeout).
	ErrConnection = errors.New("broker connection error")
	// ErrChannelFailure classifies a session or channel that dropped after being established.
	ErrChannelFailure = errors.New("broker channel failure")
	// ErrDeclaration classifies queue declarations rejected by the broker, typically conflicting parameters.
	ErrDeclaration = errors.New("queue declaration error")
	// ErrClosed classifies operations on a connection that was closed locally.
	ErrClosed = errors.New("broker connection closed")
	// ErrNacked is returned when the broker negatively confirms a publish.
	ErrNacked = errors.New("publish not confirmed by broker")
)

func brokerError(kind error, message string) error {
	if message == "" {
		return kind
	}
	return fmt.Errorf("%w: %s", kind, message)
}

// AMQPCode extracts the AMQP reply code carried by err, if any.
func AMQPCode(err error) (int, bool) {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && amqpErr != nil {
		return amqpErr.Code, true
	}
	return 0, false
}

// classifyChannelError maps an error returned by a channel operation onto the taxonomy.
// PRECONDITION_FAILED on a declaration means the queue exists with other parameters.
func classifyChannelError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrConnection) || errors.Is(err, ErrChannelFailure) || errors.Is(err, ErrDeclaration) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if code, ok := AMQPCode(err); ok && code == amqp.PreconditionFailed && op == "declare" {
		return errors.Join(brokerError(ErrDeclaration, "conflicting queue parameters"), err)
	}
	return errors.Join(brokerError(ErrChannelFailure, op+" failed"), err)
}
