package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
	CheckOrigin: func(r *http.Request) bool {
		// Browser viewers are served from anywhere; auth guards the endpoint
		return true
	},
}

// HandlerConfig configures a WebSocket endpoint
type HandlerConfig struct {
	Topic        string      // topic every connection subscribes to
	OnMessage    MessageFunc // called for each accepted inbound text message
	MessageRate  float64     // inbound messages per second, <= 0 disables limiting
	MessageBurst int
}

// Handler upgrades requests and attaches the connections to a hub topic
type Handler struct {
	hub    *Hub
	cfg    HandlerConfig
	logger zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, cfg HandlerConfig, logger zerolog.Logger) *Handler {
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1
	}
	return &Handler{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With().Str("component", "WS").Logger(),
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.hub.Closed() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), conn, h.logger)
	c.logger.Info().Str("remote", r.RemoteAddr).Msg("new connection")

	// Subscribe before reading so the client gets the next published payload
	if err := h.hub.Subscribe(c, h.cfg.Topic); err != nil {
		c.shutdown(websocket.CloseGoingAway, err.Error())
		return
	}

	go c.writePump()
	go h.readPump(c)
}

// readPump reads inbound commands until the client disconnects
func (h *Handler) readPump(c *client) {
	defer func() {
		h.hub.Unsubscribe(c)
		c.shutdown(0, "")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var limiter *rate.Limiter
	if h.cfg.MessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessageRate), h.cfg.MessageBurst)
	}

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if typ != websocket.TextMessage {
			continue
		}
		if limiter != nil && !limiter.Allow() {
			c.logger.Debug().Msg("message rate exceeded, dropping")
			continue
		}
		if h.cfg.OnMessage != nil {
			h.cfg.OnMessage(Message{ClientID: c.id, Text: string(data), ReceivedAt: time.Now()})
		}
	}
}
