package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type Consumer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewConsumer connects, declares the topology and applies prefetch so a
// worker never holds more unacked messages than it has goroutines.
func NewConsumer(ctx context.Context, url, queue string, prefetch int, retryDelay time.Duration, log *zap.Logger) (*Consumer, error) {
	conn, err := dial(ctx, url, log)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue, retryDelay); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, queue: queue}, nil
}

func (c *Consumer) Deliveries() (<-chan amqp.Delivery, error) {
	return c.ch.Consume(c.queue, "", false, false, false, false, nil)
}

// DeadLetter copies a poisoned delivery straight to the dlq so it stops
// cycling through the retry queue. The caller still acks the original.
func (c *Consumer) DeadLetter(ctx context.Context, d amqp.Delivery) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return c.ch.PublishWithContext(cctx,
		"",
		c.queue+".dlq",
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Body:         d.Body,
			Timestamp:    time.Now(),
		},
	)
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
