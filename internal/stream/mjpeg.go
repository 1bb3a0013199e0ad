// Package stream serves the broadcast images as an MJPEG stream for clients
// that cannot speak WebSocket, such as an <img> tag or a video player.
package stream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const boundary = "frame"

// mjpegClient holds at most one pending frame; a newer frame replaces it
type mjpegClient struct {
	id      string
	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
}

func (c *mjpegClient) offer(data []byte) {
	c.mu.Lock()
	c.pending = data
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *mjpegClient) take() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.pending
	c.pending = nil
	return data
}

// MJPEG fans JPEG frames out to multipart/x-mixed-replace responses
type MJPEG struct {
	mu       sync.RWMutex
	clients  map[*mjpegClient]struct{}
	closed   bool
	done     chan struct{}
	observer func(clients int)
	logger   zerolog.Logger
}

// NewMJPEG creates an MJPEG server with no clients
func NewMJPEG(logger zerolog.Logger) *MJPEG {
	return &MJPEG{
		clients: make(map[*mjpegClient]struct{}),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "MJPEG").Logger(),
	}
}

// Observe registers fn to be called with the client count whenever it changes
func (m *MJPEG) Observe(fn func(clients int)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Publish hands a copy of data to every connected client. It never blocks
// on a slow client.
func (m *MJPEG) Publish(data []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.clients) == 0 {
		return
	}
	frame := append([]byte(nil), data...)
	for c := range m.clients {
		c.offer(frame)
	}
}

// ClientCount returns the number of connected clients
func (m *MJPEG) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close ends every open response. Later requests get 503.
func (m *MJPEG) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *MJPEG) add(c *mjpegClient) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.clients[c] = struct{}{}
	n, obs := len(m.clients), m.observer
	m.mu.Unlock()
	if obs != nil {
		obs(n)
	}
	return true
}

func (m *MJPEG) remove(c *mjpegClient) {
	m.mu.Lock()
	delete(m.clients, c)
	n, obs := len(m.clients), m.observer
	m.mu.Unlock()
	if obs != nil {
		obs(n)
	}
}

// ServeHTTP streams frames until the client goes away or the server closes
func (m *MJPEG) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	c := &mjpegClient{id: uuid.NewString(), wake: make(chan struct{}, 1)}
	if !m.add(c) {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer m.remove(c)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	m.logger.Info().Str("client", c.id).Str("remote", r.RemoteAddr).Msg("client connected")
	defer m.logger.Info().Str("client", c.id).Msg("client disconnected")

	for {
		select {
		case <-r.Context().Done():
			return
		case <-m.done:
			return
		case <-c.wake:
			data := c.take()
			if data == nil {
				continue
			}
			if err := writePart(w, data); err != nil {
				m.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
