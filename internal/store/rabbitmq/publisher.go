// Package rabbitmq carries chat job announcements between the API and the
// workers. One queue per deployment, with a retry queue (TTL, dead-letters
// back to the main queue) and a dlq for poisoned messages.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dialAttempts = 5

type JobMessage struct {
	JobID string `json:"job_id"`
}

// DeclareTopology sets up the three queues. Publisher and consumer both
// call it with the same arguments; rabbit rejects mismatched redeclares,
// so the topology lives in exactly one place.
func DeclareTopology(ch *amqp.Channel, queue string, retryDelay time.Duration) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", dlqQ, err)
	}

	// Retry queue: messages sit out the delay, then dead-letter back to
	// the main queue.
	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             retryDelay.Milliseconds(),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", retryQ, err)
	}

	// Main queue: nack(requeue=false) sends the message to the retry queue.
	if _, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": retryQ,
		},
	); err != nil {
		return fmt.Errorf("rabbitmq: declare %s: %w", mainQ, err)
	}
	return nil
}

// dial connects with capped exponential backoff; the broker regularly
// comes up after the service at boot.
func dial(ctx context.Context, url string, log *zap.Logger) (*amqp.Connection, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Warn("rabbitmq not ready, retrying",
				zap.Duration("in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
	}
	return nil, fmt.Errorf("rabbitmq: dial: %w", err)
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(ctx context.Context, url, queue string, retryDelay time.Duration, log *zap.Logger) (*Publisher, error) {
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
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Publish announces a queued job id to the workers.
func (p *Publisher) Publish(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
