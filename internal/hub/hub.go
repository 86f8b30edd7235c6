// Package hub fans events out to dashboard clients connected over
// websockets. Each client has its own outbound queue so a slow or dead
// connection never holds up ingestion or the other clients.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"procodus.dev/iot-hub/internal/auth"
	"procodus.dev/iot-hub/pkg/clock"
	"procodus.dev/iot-hub/pkg/logger"
	"procodus.dev/iot-hub/pkg/metrics"
)

const (
	// DefaultHeartbeatInterval is how often every connection is pinged.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultSendBuffer is the per subscriber outbound queue length.
	DefaultSendBuffer = 64
)

var (
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("hub is shut down")
	// ErrUnknownSubscriber is returned for ids that are not registered.
	ErrUnknownSubscriber = errors.New("unknown subscriber")
	// ErrEmptyChannel is returned when subscribing to "".
	ErrEmptyChannel = errors.New("channel cannot be empty")
)

// Broadcaster is the publishing side of the hub used by ingestion.
type Broadcaster interface {
	// Broadcast delivers event to subscribers of channel, or to every
	// subscriber when channel is empty.
	Broadcast(event Event, channel string)
}

// Config holds the configuration for the hub.
type Config struct {
	Logger            *slog.Logger
	Clock             clock.Clock
	Metrics           *metrics.HubMetrics
	HeartbeatInterval time.Duration
	SendBuffer        int
}

// Hub is the registry of live subscribers.
type Hub struct {
	logger    *slog.Logger
	clock     clock.Clock
	metrics   *metrics.HubMetrics
	heartbeat time.Duration
	buffer    int

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	closed      bool

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

type subscriber struct {
	id          string
	identity    auth.Identity
	connectedAt time.Time
	conn        Connection

	mu       sync.RWMutex
	channels map[string]struct{}

	// send is never closed; done tells the writer to exit.
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a hub. Call Start to begin heartbeats.
func New(cfg *Config) (*Hub, error) {
	if cfg == nil {
		return nil, errors.New("hub config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	h := &Hub{
		logger:      logger.Component(cfg.Logger, "hub"),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		heartbeat:   cfg.HeartbeatInterval,
		buffer:      cfg.SendBuffer,
		subscribers: make(map[string]*subscriber),
		stop:        make(chan struct{}),
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.heartbeat <= 0 {
		h.heartbeat = DefaultHeartbeatInterval
	}
	if h.buffer <= 0 {
		h.buffer = DefaultSendBuffer
	}

	return h, nil
}

// Start launches the heartbeat loop. Calling it again is a no-op.
func (h *Hub) Start() {
	h.startOnce.Do(func() {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return
		}
		h.wg.Add(1)
		h.mu.Unlock()

		ticker := h.clock.NewTicker(h.heartbeat)
		go func() {
			defer h.wg.Done()
			defer ticker.Stop()
			for {
				select {
				case <-h.stop:
					return
				case <-ticker.C:
					h.pingAll()
				}
			}
		}()
	})
}

// Register adds an authenticated connection and sends it the welcome
// message.
func (h *Hub) Register(conn Connection, identity auth.Identity) (string, error) {
	if conn == nil {
		return "", errors.New("connection cannot be nil")
	}

	s := &subscriber{
		id:          "ws_" + uuid.NewString(),
		identity:    identity,
		connectedAt: h.clock.Now().UTC(),
		conn:        conn,
		channels:    make(map[string]struct{}),
		send:        make(chan []byte, h.buffer),
		done:        make(chan struct{}),
	}

	// The welcome goes in first so it precedes any broadcast.
	h.enqueue(s, h.encode(Event{
		Type:     TypeConnected,
		ClientID: s.id,
		Message:  "Connected to IoT hub real-time stream",
	}))

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", ErrHubClosed
	}
	h.subscribers[s.id] = s
	count := len(h.subscribers)
	h.wg.Add(1)
	h.mu.Unlock()

	go h.writeLoop(s)

	if h.metrics != nil {
		h.metrics.ConnectionsTotal.Inc()
		h.metrics.ClientsConnected.Set(float64(count))
	}

	h.logger.Info("client connected", "client_id", s.id, "user", identity.Username, "clients", count)

	return s.id, nil
}

// Unregister removes a subscriber and closes its connection. Unknown ids
// are ignored.
func (h *Hub) Unregister(id string) {
	s := h.remove(id, nil)
	if s == nil {
		return
	}
	s.close(CloseNormal, "")
	h.logger.Info("client disconnected", "client_id", id, "user", s.identity.Username)
}

// Subscribe adds channel to the subscriber's set and acknowledges it.
func (h *Hub) Subscribe(id, channel string) error {
	return h.updateSubscription(id, channel, true)
}

// Unsubscribe removes channel from the subscriber's set and acknowledges
// it. Unsubscribing from a channel that was never joined still succeeds.
func (h *Hub) Unsubscribe(id, channel string) error {
	return h.updateSubscription(id, channel, false)
}

func (h *Hub) updateSubscription(id, channel string, join bool) error {
	if channel == "" {
		return ErrEmptyChannel
	}

	s := h.get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}

	ack := TypeSubscribed
	s.mu.Lock()
	if join {
		s.channels[channel] = struct{}{}
	} else {
		delete(s.channels, channel)
		ack = TypeUnsubscribed
	}
	s.mu.Unlock()

	h.logger.Debug("subscription changed", "client_id", id, "channel", channel, "type", ack)
	h.enqueue(s, h.encode(Event{Type: ack, Channel: channel}))
	return nil
}

// Send delivers event to one subscriber.
func (h *Hub) Send(id string, event Event) error {
	s := h.get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSubscriber, id)
	}
	h.enqueue(s, h.encode(event))
	return nil
}

// Broadcast implements Broadcaster. The event is encoded once and queued
// for every matching subscriber.
func (h *Hub) Broadcast(event Event, channel string) {
	if channel != "" {
		event.Channel = channel
	}
	data := h.encode(event)
	if data == nil {
		return
	}

	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		if channel == "" || s.subscribed(channel) {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		h.enqueue(s, data)
	}

	if h.metrics != nil {
		label := channel
		if label == "" {
			label = "all"
		}
		h.metrics.Broadcasts.WithLabelValues(label).Inc()
	}

	if len(targets) > 0 {
		h.logger.Debug("broadcast", "type", event.Type, "channel", channel, "clients", len(targets))
	}
}

// Shutdown closes every connection with ReasonShutdown and stops the
// heartbeat. It is safe to call more than once.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	subs := h.subscribers
	h.subscribers = make(map[string]*subscriber)
	h.mu.Unlock()

	h.stopOnce.Do(func() { close(h.stop) })

	for _, s := range subs {
		s.close(CloseGoingAway, ReasonShutdown)
	}

	h.wg.Wait()

	if h.metrics != nil {
		h.metrics.ClientsConnected.Set(0)
	}

	if len(subs) > 0 {
		h.logger.Info("hub shut down", "closed_clients", len(subs))
	}
}

// ClientInfo describes one live subscriber.
type ClientInfo struct {
	ConnectedAt   time.Time `json:"connectedAt"`
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	Subscriptions []string  `json:"subscriptions"`
}

// Stats is a snapshot of the hub.
type Stats struct {
	Clients          []ClientInfo `json:"clients"`
	ConnectedClients int          `json:"connectedClients"`
}

// Stats returns the live subscribers sorted by connection time.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	clients := make([]ClientInfo, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		clients = append(clients, ClientInfo{
			ID:            s.id,
			UserID:        s.identity.UserID,
			Username:      s.identity.Username,
			ConnectedAt:   s.connectedAt,
			Subscriptions: s.subscriptions(),
		})
	}
	h.mu.RUnlock()

	slices.SortFunc(clients, func(a, b ClientInfo) int {
		if c := a.ConnectedAt.Compare(b.ConnectedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	return Stats{ConnectedClients: len(clients), Clients: clients}
}

func (h *Hub) get(id string) *subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.subscribers[id]
}

// remove deletes id from the registry. When want is set, the entry is
// only removed if it is still that subscriber.
func (h *Hub) remove(id string, want *subscriber) *subscriber {
	h.mu.Lock()
	s, ok := h.subscribers[id]
	if !ok || (want != nil && s != want) {
		h.mu.Unlock()
		return nil
	}
	delete(h.subscribers, id)
	count := len(h.subscribers)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ClientsConnected.Set(float64(count))
	}
	return s
}

func (h *Hub) encode(event Event) []byte {
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clock.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode event", "type", event.Type, "error", err)
		return nil
	}
	return data
}

func (h *Hub) enqueue(s *subscriber, data []byte) {
	if data == nil {
		return
	}
	select {
	case <-s.done:
	case s.send <- data:
	default:
		if h.metrics != nil {
			h.metrics.Dropped.Inc()
		}
		h.logger.Warn("client queue full, dropping message", "client_id", s.id)
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	defer h.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.Send(data); err != nil {
				h.fail(s, "send", err)
				return
			}
		}
	}
}

func (h *Hub) pingAll() {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if err := s.conn.Ping(); err != nil {
			h.fail(s, "ping", err)
		}
	}
}

// fail drops a subscriber whose connection errored.
func (h *Hub) fail(s *subscriber, op string, err error) {
	if h.metrics != nil {
		h.metrics.DeliveryFailures.Inc()
	}
	if h.remove(s.id, s) != nil {
		h.logger.Warn("dropping client after write failure", "client_id", s.id, "op", op, "error", err)
	}
	s.close(CloseGoingAway, "")
}

func (s *subscriber) subscribed(channel string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.channels[channel]
	return ok
}

func (s *subscriber) subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for c := range s.channels {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

func (s *subscriber) close(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close(code, reason)
	})
}

var _ Broadcaster = (*Hub)(nil)
