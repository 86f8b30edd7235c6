// Package broker provides an MQTT client with automatic reconnection and
// subscription replay.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"procodus.dev/iot-hub/pkg/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second

	// Upper bound between reconnect attempts.
	maxReconnectInterval = 30 * time.Second

	// Pause between attempts while the first connect keeps failing.
	connectRetryInterval = 5 * time.Second

	// Time granted to in-flight work on Close, in milliseconds.
	disconnectQuiesce = 250
)

var (
	// ErrNotConnected is returned by Publish while the connection is down.
	ErrNotConnected = errors.New("not connected to MQTT broker")

	errAlreadyClosed = errors.New("already closed: not connected to the broker")
)

// Config holds the configuration for the MQTT client.
type Config struct {
	Logger         *slog.Logger
	Metrics        *metrics.BrokerMetrics
	URL            string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	QoS            byte
}

// Client wraps a paho client. Subscriptions are remembered and issued again
// every time the connection comes back.
type Client struct {
	mu      sync.Mutex
	client  mqtt.Client
	logger  *slog.Logger
	metrics *metrics.BrokerMetrics
	subs    map[string]Handler
	qos     byte
	timeout time.Duration
	closed  bool
}

// New creates a client. It does not connect; call Connect.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("broker config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}

	if cfg.ClientID == "" {
		return nil, errors.New("client ID cannot be empty")
	}

	if cfg.QoS > 2 {
		return nil, fmt.Errorf("invalid QoS %d", cfg.QoS)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	c := &Client{
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		subs:    make(map[string]Handler),
		qos:     cfg.QoS,
		timeout: timeout,
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.URL).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(connectRetryInterval).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetConnectTimeout(timeout).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = mqtt.NewClient(opts)
	return c, nil
}

// Connect dials the broker and waits for the session or ctx. On timeout
// the client keeps retrying in the background; deferred subscriptions are
// issued once it gets through.
func (c *Client) Connect(ctx context.Context) error {
	c.logger.Info("connecting to MQTT broker")

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := wait(ctx, c.client.Connect()); err != nil {
		c.setStatus(false)
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return nil
}

// onConnect runs on the first connect and on every reconnect.
func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("connected to MQTT broker")
	c.setStatus(true)

	c.mu.Lock()
	subs := maps.Clone(c.subs)
	c.mu.Unlock()

	for filter, handler := range subs {
		token := client.Subscribe(filter, c.qos, c.dispatch(filter, handler))
		go func() {
			if token.WaitTimeout(c.timeout) && token.Error() == nil {
				c.logger.Info("subscribed", "filter", filter)
				return
			}
			c.logger.Error("failed to resubscribe", "filter", filter, "error", token.Error())
		}()
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost", "error", err)
	c.setStatus(false)
}

func (c *Client) onReconnecting(_ mqtt.Client, _ *mqtt.ClientOptions) {
	c.logger.Info("reconnecting to MQTT broker")
	if c.metrics != nil {
		c.metrics.Reconnects.Inc()
	}
}

func (c *Client) setStatus(up bool) {
	if c.metrics == nil {
		return
	}
	if up {
		c.metrics.ConnectionStatus.Set(1)
	} else {
		c.metrics.ConnectionStatus.Set(0)
	}
}

func (c *Client) dispatch(filter string, handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if c.metrics != nil {
			c.metrics.MessagesReceived.WithLabelValues(filter).Inc()
		}
		handler(msg.Topic(), msg.Payload())
	}
}

// Subscribe implements ClientInterface. When connected, it waits for the
// broker to grant the subscription.
func (c *Client) Subscribe(filter string, handler Handler) error {
	if filter == "" {
		return errors.New("filter cannot be empty")
	}

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	c.mu.Lock()
	c.subs[filter] = handler
	c.mu.Unlock()

	if !c.client.IsConnectionOpen() {
		c.logger.Info("subscription deferred until connected", "filter", filter)
		return nil
	}

	token := c.client.Subscribe(filter, c.qos, c.dispatch(filter, handler))
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe to %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", filter, err)
	}

	c.logger.Info("subscribed", "filter", filter)
	return nil
}

// Publish implements ClientInterface.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.IsConnected() {
		c.countPublish("not_connected")
		return ErrNotConnected
	}

	if err := wait(ctx, c.client.Publish(topic, c.qos, false, payload)); err != nil {
		c.countPublish("error")
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	c.countPublish("ok")
	c.logger.Debug("published", "topic", topic, "bytes", len(payload))
	return nil
}

func (c *Client) countPublish(status string) {
	if c.metrics != nil {
		c.metrics.Publishes.WithLabelValues(status).Inc()
	}
}

// IsConnected implements ClientInterface.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// Close implements ClientInterface.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errAlreadyClosed
	}
	c.closed = true

	c.logger.Info("disconnecting from MQTT broker")
	c.client.Disconnect(disconnectQuiesce)
	c.setStatus(false)
	return nil
}

// wait blocks until the token completes or ctx ends.
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
