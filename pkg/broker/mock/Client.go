// Package mock provides a mock implementation of broker.ClientInterface for testing.
package mock

import (
	"context"
	"sync"

	"procodus.dev/iot-hub/pkg/broker"
)

// MockClient records subscriptions and publishes. Deliver feeds a message
// to every handler whose filter matches, the way the broker would.
type MockClient struct {
	mu sync.Mutex

	// Connected is returned by IsConnected.
	Connected bool

	// SubscribeError is returned by Subscribe when set.
	SubscribeError error
	// Subscriptions maps filter to handler.
	Subscriptions map[string]broker.Handler

	// PublishFunc is called when Publish is invoked. If nil, Publish
	// returns PublishError, or broker.ErrNotConnected when disconnected.
	PublishFunc func(ctx context.Context, topic string, payload []byte) error
	// PublishError is returned by Publish if PublishFunc is nil.
	PublishError error
	// PublishCalls tracks all calls to Publish that reached the broker.
	PublishCalls []PublishCall

	// CloseCalls tracks the number of times Close was called.
	CloseCalls int
}

// PublishCall records the arguments to a Publish call.
type PublishCall struct {
	Topic   string
	Payload []byte
}

// NewMockClient creates a connected MockClient.
func NewMockClient() *MockClient {
	return &MockClient{
		Connected:     true,
		Subscriptions: make(map[string]broker.Handler),
		PublishCalls:  make([]PublishCall, 0),
	}
}

// Subscribe implements ClientInterface.
func (m *MockClient) Subscribe(filter string, handler broker.Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SubscribeError != nil {
		return m.SubscribeError
	}
	m.Subscriptions[filter] = handler
	return nil
}

// Publish implements ClientInterface.
func (m *MockClient) Publish(ctx context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	fn := m.PublishFunc
	if fn == nil {
		defer m.mu.Unlock()
		if !m.Connected {
			return broker.ErrNotConnected
		}
		if m.PublishError != nil {
			return m.PublishError
		}
		m.PublishCalls = append(m.PublishCalls, PublishCall{Topic: topic, Payload: payload})
		return nil
	}
	m.mu.Unlock()

	if err := fn(ctx, topic, payload); err != nil {
		return err
	}

	m.mu.Lock()
	m.PublishCalls = append(m.PublishCalls, PublishCall{Topic: topic, Payload: payload})
	m.mu.Unlock()
	return nil
}

// IsConnected implements ClientInterface.
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Connected
}

// SetConnected flips the reported connection state.
func (m *MockClient) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Connected = up
}

// Close implements ClientInterface.
func (m *MockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	m.Connected = false
	return nil
}

// Deliver hands a message to every matching handler synchronously and
// reports how many handlers received it.
func (m *MockClient) Deliver(topic string, payload []byte) int {
	m.mu.Lock()
	var handlers []broker.Handler
	for filter, h := range m.Subscriptions {
		if broker.MatchTopic(filter, topic) {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// Published returns a copy of the recorded publishes.
func (m *MockClient) Published() []PublishCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PublishCall(nil), m.PublishCalls...)
}

// Filters returns the subscribed filters.
func (m *MockClient) Filters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.Subscriptions))
	for f := range m.Subscriptions {
		out = append(out, f)
	}
	return out
}

// Ensure MockClient implements broker.ClientInterface.
var _ broker.ClientInterface = (*MockClient)(nil)
