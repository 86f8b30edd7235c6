package broker

import "context"

// Handler receives one inbound message. Handlers run on their own
// goroutine per message, so a slow handler never stalls delivery of
// the next message.
type Handler func(topic string, payload []byte)

// ClientInterface defines the broker operations used by the hub.
// It enables testing through mocking and dependency injection.
type ClientInterface interface {
	// Subscribe registers handler for filter. Subscriptions survive
	// reconnects.
	Subscribe(filter string, handler Handler) error

	// Publish sends payload to topic and waits for the broker to
	// acknowledge it or for ctx to end. It returns ErrNotConnected
	// without publishing when the connection is down.
	Publish(ctx context.Context, topic string, payload []byte) error

	// IsConnected reports whether the connection is currently up.
	IsConnected() bool

	// Close disconnects from the broker.
	Close() error
}

// Ensure Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)
