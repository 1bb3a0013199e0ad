package ws

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, cfg HandlerConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(zerolog.Nop())
	srv := httptest.NewServer(NewHandler(hub, cfg, zerolog.Nop()))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.ClientCount() == n }, 2*time.Second, 5*time.Millisecond)
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	var netErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestPublishFanOut(t *testing.T) {
	hub, srv := newTestServer(t, HandlerConfig{Topic: "images"})

	var conns []*websocket.Conn
	for i := 0; i < 3; i++ {
		conns = append(conns, dial(t, srv))
	}
	waitClients(t, hub, 3)

	assert.Equal(t, 3, hub.Publish("images", []byte("frame-1")))
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		typ, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, websocket.TextMessage, typ)
		assert.Equal(t, "frame-1", string(data))
	}

	late := dial(t, srv)
	waitClients(t, hub, 4)

	// Exactly one message each; the late joiner never sees the earlier payload
	for _, conn := range append(conns, late) {
		expectNothing(t, conn)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	assert.Equal(t, 0, hub.Publish("images", []byte("x")))
	assert.Zero(t, hub.ClientCount())
}

func TestDisconnectUnsubscribes(t *testing.T) {
	hub, srv := newTestServer(t, HandlerConfig{Topic: "images"})

	var counts []int
	var mu sync.Mutex
	hub.Observe(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	})

	conn := dial(t, srv)
	waitClients(t, hub, 1)
	assert.Equal(t, 1, hub.ClientCount())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	waitClients(t, hub, 0)
	assert.Equal(t, 0, hub.Publish("images", []byte("late")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 0}, counts)
}

func TestInboundMessagesAreRateLimited(t *testing.T) {
	var mu sync.Mutex
	var got []Message
	hub, srv := newTestServer(t, HandlerConfig{
		Topic: "images",
		OnMessage: func(m Message) {
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		},
		MessageRate:  0.001,
		MessageBurst: 2,
	})

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	for _, msg := range []string{"SET_GAIN:1", "SET_GAIN:2", "SET_GAIN:3", "SET_GAIN:4"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	// Give dropped messages a chance to show up if limiting were broken
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "SET_GAIN:1", got[0].Text)
	assert.Equal(t, "SET_GAIN:2", got[1].Text)
	assert.NotEmpty(t, got[0].ClientID)
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, srv := newTestServer(t, HandlerConfig{Topic: "images"})

	conn := dial(t, srv)
	waitClients(t, hub, 1)

	hub.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestClientMailboxKeepsLatest(t *testing.T) {
	c := newClient("c1", nil, zerolog.Nop())
	c.offer([]byte("a"))
	c.offer([]byte("b"))
	c.offer([]byte("c"))

	assert.Equal(t, []byte("c"), c.take())
	assert.Nil(t, c.take())
	assert.Equal(t, uint64(2), c.replaced.Load())
	assert.Len(t, c.wake, 1)
}
