// Package worker consumes tasks from a durable queue with bounded prefetch and
// manual acknowledgement.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/observability/metrics"
	"github.com/nimburion/taskqueue/pkg/observability/tracing"
	"github.com/nimburion/taskqueue/pkg/resilience"
	"github.com/nimburion/taskqueue/pkg/task"
)

// Worker competes with other workers for the tasks of one queue. Each of its
// Prefetch slots handles one delivery at a time and acknowledges it only after
// the handler succeeds.
type Worker struct {
	brokerCfg   broker.Config
	connectOpts []broker.Option
	cfg         Config
	handler     task.Handler
	log         logger.Logger

	state   atomic.Int32
	busy    atomic.Int32
	started atomic.Bool
}

// New validates cfg and returns a worker that has not connected yet.
func New(brokerCfg broker.Config, cfg Config, handler task.Handler, log logger.Logger, opts ...broker.Option) (*Worker, error) {
	if handler == nil {
		return nil, workerError(ErrValidation, "handler is required")
	}
	if log == nil {
		return nil, workerError(ErrValidation, "logger is required")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &Worker{
		brokerCfg:   brokerCfg,
		connectOpts: opts,
		cfg:         cfg,
		handler:     handler,
		log:         log.With("queue", cfg.Queue, "consumer_tag", cfg.ConsumerTag),
	}, nil
}

// Config returns the normalized configuration.
func (w *Worker) Config() Config {
	return w.cfg
}

// State reports the current lifecycle phase.
func (w *Worker) State() State {
	s := State(w.state.Load())
	if s == StateSubscribed && w.busy.Load() > 0 {
		return StateProcessing
	}
	return s
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run connects, declares the queue, subscribes and processes deliveries until ctx
// is cancelled or the broker session fails. Cancellation is a clean stop and
// returns nil. Run may be called once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer w.setState(StateTerminated)

	w.setState(StateConnecting)
	conn, err := broker.Connect(ctx, w.brokerCfg, w.log, w.connectOpts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			w.log.Warn("failed to close broker connection", "error", err)
		}
	}()

	ch, err := conn.OpenChannel()
	if err != nil {
		return err
	}

	w.setState(StateDeclaring)
	deliveries, closed, err := w.subscribe(ctx, ch)
	if err != nil {
		return err
	}

	w.setState(StateSubscribed)
	w.log.Info("waiting for tasks", "prefetch", w.cfg.Prefetch, "failure_mode", string(w.cfg.Failure.Mode))
	return w.consume(ctx, conn, ch, deliveries, closed)
}

func (w *Worker) subscribe(ctx context.Context, ch broker.Channel) (<-chan amqp.Delivery, <-chan *amqp.Error, error) {
	if _, err := broker.Declare(ctx, ch, broker.QueueSpec{Name: w.cfg.Queue, Durable: w.cfg.Durable}); err != nil {
		return nil, nil, err
	}
	if w.cfg.Failure.UsesDeadLetter() {
		dlq := broker.DeadLetterName(w.cfg.Queue, w.cfg.Failure.DeadLetterSuffix)
		if _, err := broker.Declare(ctx, ch, broker.QueueSpec{Name: dlq, Durable: true}); err != nil {
			return nil, nil, err
		}
	}
	if w.cfg.Failure.republishes() {
		if err := ch.Confirm(false); err != nil {
			return nil, nil, fmt.Errorf("enable publisher confirms: %w", errors.Join(broker.ErrChannelFailure, err))
		}
	}

	// The prefetch limit must be in place before the first delivery can arrive.
	if err := ch.Qos(w.cfg.Prefetch, 0, false); err != nil {
		return nil, nil, fmt.Errorf("set prefetch: %w", errors.Join(broker.ErrChannelFailure, err))
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(w.cfg.Queue, w.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("consume queue %q: %w", w.cfg.Queue, errors.Join(broker.ErrChannelFailure, err))
	}
	return deliveries, closed, nil
}

func (w *Worker) consume(
	ctx context.Context,
	conn *broker.Connection,
	ch broker.Channel,
	deliveries <-chan amqp.Delivery,
	closed <-chan *amqp.Error,
) error {
	// Handlers outlive ctx by up to ShutdownGrace; abandon cuts them off.
	handlerCtx, abandon := context.WithCancel(context.WithoutCancel(ctx))
	defer abandon()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.slot(handlerCtx, ch, deliveries, stop)
		}()
	}
	slotsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(slotsDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		w.log.Info("shutdown requested, no longer accepting tasks")
	case amqpErr, ok := <-closed:
		reason := "channel closed"
		if ok && amqpErr != nil {
			reason = amqpErr.Error()
		}
		runErr = w.channelFailure(conn, reason)
	case <-conn.Done():
		runErr = w.channelFailure(conn, "connection closed")
	case <-slotsDone:
		runErr = w.channelFailure(conn, "delivery stream closed")
	}

	w.setState(StateClosing)
	if runErr != nil {
		close(stop)
		abandon()
		w.log.Error("consumer stopped", "error", runErr)
		return runErr
	}

	if err := ch.Cancel(w.cfg.ConsumerTag, false); err != nil {
		w.log.Warn("failed to cancel consumer", "error", err)
	}
	close(stop)

	timer := time.NewTimer(w.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-slotsDone:
		w.log.Info("worker stopped")
	case amqpErr, ok := <-closed:
		reason := "channel closed during shutdown"
		if ok && amqpErr != nil {
			reason = amqpErr.Error()
		}
		return w.lostDuringShutdown(conn, reason, abandon)
	case <-conn.Done():
		return w.lostDuringShutdown(conn, "connection closed during shutdown", abandon)
	case <-timer.C:
		inFlight := w.busy.Load()
		abandon()
		w.log.Warn("shutdown grace exceeded, abandoning in-flight tasks for redelivery",
			"in_flight", inFlight, "grace", w.cfg.ShutdownGrace.String())
	}
	return nil
}

// lostDuringShutdown abandons the remaining handlers; their deliveries were
// already returned to the queue by the broker.
func (w *Worker) lostDuringShutdown(conn *broker.Connection, reason string, abandon context.CancelFunc) error {
	inFlight := w.busy.Load()
	abandon()
	err := w.channelFailure(conn, reason)
	w.log.Error("broker lost before in-flight tasks finished", "error", err, "in_flight", inFlight)
	return err
}

func (w *Worker) channelFailure(conn *broker.Connection, reason string) error {
	if err := conn.Err(); err != nil {
		return fmt.Errorf("consume %q: %w", w.cfg.Queue, err)
	}
	return fmt.Errorf("%w: consuming %q on %s: %s", broker.ErrChannelFailure, w.cfg.Queue, conn.Target(), reason)
}

func (w *Worker) slot(ctx context.Context, ch broker.Channel, deliveries <-chan amqp.Delivery, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case <-stop:
				if err := d.Nack(false, true); err != nil {
					w.log.Debug("failed to return delivery after stop", "delivery_tag", d.DeliveryTag, "error", err)
				}
				return
			default:
			}
			w.process(ctx, ch, d)
		}
	}
}

func (w *Worker) process(ctx context.Context, ch broker.Channel, d amqp.Delivery) {
	w.busy.Add(1)
	defer w.busy.Add(-1)
	metrics.IncInFlight(w.cfg.Queue)
	defer metrics.DecInFlight(w.cfg.Queue)

	attempt := broker.AttemptFromHeaders(d.Headers)
	if d.Redelivered {
		metrics.RecordRedelivered(w.cfg.Queue)
	}

	spanCtx, span := tracing.StartMessagingSpan(tracing.Extract(ctx, d.Headers), tracing.SpanOperationProcess,
		tracing.WithMessagingDestination(w.cfg.Queue),
		tracing.WithMessagingMessageID(d.MessageId),
		tracing.WithMessagingPayloadSize(len(d.Body)),
		tracing.WithDeliveryAttempt(attempt, d.Redelivered),
	)
	defer span.End()

	log := w.log.WithContext(spanCtx).With(
		"delivery_tag", d.DeliveryTag,
		"message_id", d.MessageId,
		"attempt", attempt,
		"redelivered", d.Redelivered,
	)
	t := task.New(d.Body)
	log.Info("received task", "task", t.String())

	start := time.Now()
	err := w.execute(spanCtx, t)

	if ctx.Err() != nil {
		// Abandoned: the delivery stays unacknowledged and returns to the queue
		// when the channel closes.
		tracing.RecordError(span, ctx.Err())
		metrics.RecordProcessed(w.cfg.Queue, metrics.StatusAbandoned)
		log.Warn("task abandoned before completion", "elapsed", time.Since(start).String())
		return
	}

	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			tracing.RecordError(span, ackErr)
			metrics.RecordProcessed(w.cfg.Queue, metrics.StatusError)
			log.Error("failed to acknowledge task", "error", ackErr)
			return
		}
		tracing.RecordSuccess(span)
		metrics.RecordProcessed(w.cfg.Queue, metrics.StatusAcked)
		log.Info("task done", "elapsed", time.Since(start).String())
		return
	}

	tracing.RecordError(span, err)
	w.handleFailure(spanCtx, ch, d, attempt, err, log)
}

func (w *Worker) execute(ctx context.Context, t task.Task) error {
	return resilience.WithTimeout(ctx, w.cfg.HandlerTimeout, func(hctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: panic: %v", ErrHandlerFailure, r)
			}
		}()
		if err := w.handler(hctx, t); err != nil {
			return fmt.Errorf("%w: %w", ErrHandlerFailure, err)
		}
		return nil
	})
}

func (w *Worker) handleFailure(ctx context.Context, ch broker.Channel, d amqp.Delivery, attempt int, cause error, log logger.Logger) {
	policy := w.cfg.Failure
	switch {
	case policy.Mode == FailureHold:
		metrics.RecordProcessed(w.cfg.Queue, metrics.StatusHeld)
		log.Warn("task failed, holding delivery until disconnect", "error", cause)
	case policy.Mode == FailureDeadLetter,
		policy.Mode == FailureRequeue && policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts:
		w.deadLetter(ctx, ch, d, attempt, cause, log)
	default:
		w.requeue(ctx, ch, d, attempt, cause, log)
	}
}

func (w *Worker) requeue(ctx context.Context, ch broker.Channel, d amqp.Delivery, attempt int, cause error, log logger.Logger) {
	headers := broker.CloneHeaders(d.Headers)
	headers[broker.HeaderAttempt] = int32(attempt + 1)
	headers[broker.HeaderFailureReason] = cause.Error()

	if err := broker.Publish(ctx, ch, w.cfg.Queue, republishing(d, headers)); err != nil {
		w.returnToBroker(d, err, log)
		return
	}
	if err := d.Ack(false); err != nil {
		metrics.RecordProcessed(w.cfg.Queue, metrics.StatusError)
		log.Error("failed to acknowledge requeued task", "error", err)
		return
	}
	metrics.RecordProcessed(w.cfg.Queue, metrics.StatusRequeued)
	log.Warn("task failed, requeued at tail", "error", cause, "next_attempt", attempt+1)
}

func (w *Worker) deadLetter(ctx context.Context, ch broker.Channel, d amqp.Delivery, attempt int, cause error, log logger.Logger) {
	dlq := broker.DeadLetterName(w.cfg.Queue, w.cfg.Failure.DeadLetterSuffix)
	headers := broker.CloneHeaders(d.Headers)
	headers[broker.HeaderAttempt] = int32(attempt)
	headers[broker.HeaderFailureReason] = cause.Error()
	headers[broker.HeaderFailedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	headers[broker.HeaderOriginalQueue] = w.cfg.Queue

	if err := broker.Publish(ctx, ch, dlq, republishing(d, headers)); err != nil {
		w.returnToBroker(d, err, log)
		return
	}
	if err := d.Ack(false); err != nil {
		metrics.RecordProcessed(w.cfg.Queue, metrics.StatusError)
		log.Error("failed to acknowledge dead-lettered task", "error", err)
		return
	}
	metrics.RecordProcessed(w.cfg.Queue, metrics.StatusDeadLettered)
	metrics.RecordDeadLettered(w.cfg.Queue)
	log.Error("task moved to dead-letter queue", "error", cause, "dead_letter_queue", dlq, "attempts", attempt)
}

// returnToBroker puts d back on its queue when the failure policy could not
// republish it.
func (w *Worker) returnToBroker(d amqp.Delivery, publishErr error, log logger.Logger) {
	metrics.RecordProcessed(w.cfg.Queue, metrics.StatusError)
	if err := d.Nack(false, true); err != nil {
		log.Error("failed to return task to queue", "publish_error", publishErr, "error", err)
		return
	}
	log.Error("failed to republish task, returned to queue", "error", publishErr)
}

func republishing(d amqp.Delivery, headers amqp.Table) amqp.Publishing {
	mode := d.DeliveryMode
	if mode == 0 {
		mode = amqp.Persistent
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: mode,
		MessageId:    d.MessageId,
		Timestamp:    d.Timestamp,
		Body:         d.Body,
	}
}
