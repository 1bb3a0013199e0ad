package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler, token string) *apiClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return doHTTP(u.Scheme, u.Host, token, 5, true, zerolog.Nop())
}

func TestSendCommand(t *testing.T) {
	var got, authz string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/commands", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		authz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	})
	c := newTestClient(t, mux, "tok")

	require.NoError(t, run(context.Background(), c, "send", []string{"SET_GAIN:250"}, zerolog.Nop()))
	assert.Equal(t, "SET_GAIN:250", got)
	assert.Equal(t, "Bearer tok", authz)
}

func TestErrorResponseIsReported(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/commands", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"parse SET_GAIN argument \"x\""}`))
	})
	c := newTestClient(t, mux, "")

	err := c.command(context.Background(), "SET_GAIN:x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "SET_GAIN")
}

func TestSnapshotWritesFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /snapshot.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xff, 0xd8, 0xff, 0xd9})
	})
	c := newTestClient(t, mux, "")

	out := filepath.Join(t.TempDir(), "snap.jpg")
	require.NoError(t, run(context.Background(), c, "snapshot", []string{"-o", out}, zerolog.Nop()))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0xd8, 0xff, 0xd9}, data)
}

func TestWSURL(t *testing.T) {
	c := doHTTP("https", "example.com:9002", "a b", 1, false, zerolog.Nop())
	assert.Equal(t, "wss://example.com:9002/ws?token=a+b", c.wsURL())

	c = doHTTP("http", "localhost:9002", "", 1, false, zerolog.Nop())
	assert.Equal(t, "ws://localhost:9002/ws", c.wsURL())
}

func TestWatchSavesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, payload := range []string{"one", "two"} {
			conn.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString([]byte(payload))))
		}
		// Wait for the client to hang up
		conn.ReadMessage()
	})
	c := newTestClient(t, mux, "")

	dir := t.TempDir()
	require.NoError(t, watch(context.Background(), c, 2, dir, zerolog.Nop()))

	data, err := os.ReadFile(filepath.Join(dir, "frame-00002.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestUnknownCommand(t *testing.T) {
	c := doHTTP("http", "localhost:1", "", 1, false, zerolog.Nop())
	assert.Error(t, run(context.Background(), c, "frobnicate", nil, zerolog.Nop()))
}
