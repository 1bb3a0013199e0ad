package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// client is one WebSocket subscriber with a single-payload outbound mailbox
type client struct {
	id     string
	topic  string
	conn   *websocket.Conn
	logger zerolog.Logger

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}

	done      chan struct{}
	closeOnce sync.Once

	sent     atomic.Uint64
	replaced atomic.Uint64 // payloads overwritten before they were written
}

func newClient(id string, conn *websocket.Conn, logger zerolog.Logger) *client {
	return &client{
		id:     id,
		conn:   conn,
		logger: logger.With().Str("client", id).Logger(),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// offer replaces the undelivered payload and wakes the write pump
func (c *client) offer(payload []byte) {
	c.mu.Lock()
	if c.pending != nil {
		c.replaced.Add(1)
	}
	c.pending = payload
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// take returns and clears the pending payload
func (c *client) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	c.pending = nil
	return p
}

// writePump delivers payloads and keepalive pings until the client closes.
// It is the only goroutine writing data frames to the connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
			payload := c.take()
			if payload == nil {
				continue
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
			c.sent.Add(1)
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

// shutdown closes the connection once; code 0 or CloseAbnormalClosure skips
// the close frame
func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != 0 && code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		c.conn.Close()
	})
}
