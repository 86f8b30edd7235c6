package mq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Pusher is the publishing half of the client, which is all the reading
// relay needs.
type Pusher interface {
	// Push publishes data and blocks until the server confirms it.
	Push(ctx context.Context, data []byte) error

	// Close shuts down the channel and connection.
	Close() error
}

// ClientInterface defines the interface for message queue operations.
// It enables testing through mocking and dependency injection.
type ClientInterface interface {
	Pusher

	// UnsafePush publishes without waiting for confirmation.
	UnsafePush(ctx context.Context, data []byte) error

	// Consume streams deliveries; each must be Acked or Nacked.
	Consume() (<-chan amqp.Delivery, error)
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
