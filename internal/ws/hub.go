package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrHubClosed is returned when subscribing to a closed hub
var ErrHubClosed = errors.New("hub is closed")

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Hub fans published payloads out to WebSocket clients grouped by topic.
// Publishing never blocks on a client: every client holds at most one
// undelivered payload and a newer publish replaces it.
type Hub struct {
	// topics maps topic -> set of clients
	topics map[string]map[*client]struct{}
	mu     sync.RWMutex
	closed bool

	observer func(clients int)
	logger   zerolog.Logger
}

// NewHub creates a new hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*client]struct{}),
		logger: logger.With().Str("component", "WS").Logger(),
	}
}

// Observe registers fn to be called with the total client count whenever a
// client subscribes or unsubscribes. Must be called before clients connect.
func (h *Hub) Observe(fn func(clients int)) {
	h.mu.Lock()
	h.observer = fn
	h.mu.Unlock()
}

// Subscribe adds a client to a topic
func (h *Hub) Subscribe(c *client, topic string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]struct{})
	}
	h.topics[topic][c] = struct{}{}
	c.topic = topic
	subscribers, total := len(h.topics[topic]), h.countLocked()
	observer := h.observer
	h.mu.Unlock()

	h.logger.Info().Str("client", c.id).Str("topic", topic).Int("subscribers", subscribers).Msg("client subscribed")
	if observer != nil {
		observer(total)
	}
	return nil
}

// Unsubscribe removes a client from its topic
func (h *Hub) Unsubscribe(c *client) {
	h.mu.Lock()
	conns, ok := h.topics[c.topic]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, member := conns[c]; !member {
		h.mu.Unlock()
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.topics, c.topic)
	}
	total := h.countLocked()
	observer := h.observer
	h.mu.Unlock()

	h.logger.Info().Str("client", c.id).Str("topic", c.topic).Uint64("replaced", c.replaced.Load()).Msg("client unsubscribed")
	if observer != nil {
		observer(total)
	}
}

// Publish queues payload for every client subscribed to topic and returns
// how many clients it was queued for. The payload must not be modified
// afterwards; it is shared between clients.
func (h *Hub) Publish(topic string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.topics[topic]
	for c := range conns {
		c.offer(payload)
	}
	return len(conns)
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	count := 0
	for _, conns := range h.topics {
		count += len(conns)
	}
	return count
}

// Close disconnects every client and rejects new subscriptions
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	var clients []*client
	for _, conns := range h.topics {
		for c := range conns {
			clients = append(clients, c)
		}
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.logger.Info().Int("clients", len(clients)).Msg("hub closed")
}

// Closed reports whether Close was called
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}
