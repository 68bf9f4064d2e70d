// Package broker wraps the AMQP connection, topology declaration and the
// publish/consume primitives the orchestrator, workers and executor share.
// Every work queue dead-letters into a paired <queue>.dlq via the shared dlx
// exchange, so a poisoned message is parked instead of redelivered forever.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	apperrors "atlas/internal/errors"
	"atlas/internal/logging"
)

// Well-known queue names. Department queues are derived from the department
// enum via task.Department.QueueName.
const (
	QueueIngest        = "ingest"
	QueueActionExecute = "action.execute"

	deadLetterExchange = "dlx"
	dlqSuffix          = ".dlq"
)

// Handler processes one delivery. Returning true acknowledges the message.
// Returning false rejects it without requeue, which routes it to the DLQ;
// during shutdown (consume context cancelled) the rejection requeues instead.
type Handler func(ctx context.Context, body []byte) bool

// Broker owns the AMQP connection.
type Broker struct {
	conn   *amqp.Connection
	logger logging.Logger
}

// Connect dials the broker, retrying transient dial failures.
func Connect(ctx context.Context, url string, logger logging.Logger) (*Broker, error) {
	logger = logging.OrNop(logger)

	conn, err := apperrors.RetryWithResult(ctx, apperrors.RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}, func(ctx context.Context) (*amqp.Connection, error) {
		c, err := amqp.Dial(url)
		if err != nil {
			return nil, apperrors.NewTransientError(err, "broker unavailable, retrying dial")
		}
		return c, nil
	})
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	logger.Info("connected to message broker")
	return &Broker{conn: conn, logger: logger}, nil
}

// Close shuts the underlying connection down.
func (b *Broker) Close() error {
	return b.conn.Close()
}

// DeclareTopology declares the dead-letter exchange, the given work queues
// and one DLQ per work queue. Declarations are idempotent, so every process
// declares the topology it uses at startup.
func (b *Broker) DeclareTopology(queues ...string) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(deadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}

	for _, queue := range queues {
		args := amqp.Table{
			"x-dead-letter-exchange":    deadLetterExchange,
			"x-dead-letter-routing-key": queue,
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}

		dlq := queue + dlqSuffix
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", dlq, err)
		}
		if err := ch.QueueBind(dlq, queue, deadLetterExchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", dlq, deadLetterExchange, err)
		}
	}
	return nil
}

// Publish marshals payload as JSON and publishes it persistently to a queue
// through the default exchange.
func (b *Broker) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message for %s: %w", queue, err)
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// Consume reads deliveries from a queue on a dedicated channel until ctx is
// cancelled or the connection drops. prefetch bounds unacknowledged
// deliveries per consumer; handlers that take long should keep it small.
func (b *Broker) Consume(ctx context.Context, queue string, prefetch int, handler Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set prefetch on %s: %w", queue, err)
		}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	b.logger.Info("consuming from %s (prefetch %d)", queue, prefetch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}
			if handler(ctx, d.Body) {
				if err := d.Ack(false); err != nil {
					b.logger.Error("ack on %s failed: %v", queue, err)
				}
				continue
			}
			// Reject without requeue dead-letters into <queue>.dlq. When the
			// consumer is shutting down the rejection is not a verdict on the
			// message, so it goes back to the queue instead.
			if err := d.Nack(false, ctx.Err() != nil); err != nil {
				b.logger.Error("nack on %s failed: %v", queue, err)
			}
		}
	}
}
