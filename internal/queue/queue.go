// Package queue wires the knowledge graph to RabbitMQ. The API server
// publishes ingestion requests, the worker consumes them, and
// completion events fan out over a topic exchange for monitoring.
//
// Every work queue comes as a trio: the queue itself, a _retry
// companion whose TTL dead-letters messages back after a pause, and a
// _dlq grave for messages that exhausted their retries.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/hoferino/manda-platform-sub010/pkg/logger"
)

const (
	// IngestQueue carries ingestion requests from the API to the worker.
	IngestQueue = "ingest_queue"

	// EventsExchange fans completion events out to monitoring consumers.
	EventsExchange = "kg_events"
	// IngestEventsKey routes ingestion completion events.
	IngestEventsKey = "ingest_events"

	// MaxRetries caps redeliveries of one message before it is
	// dead-lettered.
	MaxRetries = 10

	retrySuffix = "_retry"
	dlqSuffix   = "_dlq"
	// retryTTLMillis is how long a failed message parks in the retry
	// queue before it dead-letters back onto the work queue.
	retryTTLMillis = 10000
)

// RetryQueue names the retry companion of a work queue.
func RetryQueue(name string) string { return name + retrySuffix }

// DeadLetterQueue names the grave of a work queue.
func DeadLetterQueue(name string) string { return name + dlqSuffix }

// Init dials the broker and returns the connection. Startup cannot
// proceed without one, so failure is fatal.
func Init(url string) *amqp091.Connection {
	conn, err := amqp091.Dial(url)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	return conn
}

// SetupQueues declares the events exchange and, for every work queue,
// the queue trio. Declarations are idempotent, so server and worker can
// both run this at startup.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		EventsExchange,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare events exchange: %w", err)
	}

	for _, name := range queueNames {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", name, err)
		}

		if _, err := ch.QueueDeclare(DeadLetterQueue(name), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", DeadLetterQueue(name), err)
		}

		_, err := ch.QueueDeclare(RetryQueue(name), true, false, false, false, amqp091.Table{
			"x-message-ttl":             int32(retryTTLMillis),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		})
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", RetryQueue(name), err)
		}
	}

	return nil
}

// PublishFIFO sends one persistent message to a work queue.
func PublishFIFO(ctx context.Context, ch *amqp091.Channel, queueName string, data []byte) error {
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	return ch.PublishWithContext(ctx, "", q.Name, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}

// PublishEvent sends one message to the events exchange. Events are
// fire and forget; no queue holds them unless a consumer bound one.
func PublishEvent(ctx context.Context, ch *amqp091.Channel, routingKey string, data []byte) error {
	return ch.PublishWithContext(ctx, EventsExchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}
