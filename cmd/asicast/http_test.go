package main

import (
	"bytes"
	"context"
	"encoding/json"
	"image/jpeg"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asicast/internal/auth"
	"asicast/internal/control"
	"asicast/internal/session"
	"asicast/internal/source"
	"asicast/internal/store"
	"asicast/internal/stream"
	"asicast/internal/ws"
)

type testServer struct {
	api  *api
	sess *session.Session
	hub  *ws.Hub
	srv  *httptest.Server
}

func newTestServer(t *testing.T, authCfg auth.Config) *testServer {
	t.Helper()
	logger := zerolog.Nop()

	src := source.NewSyntheticSource("test", source.ModeVideo, 16, 8, 30)
	require.NoError(t, src.Open(context.Background()))
	t.Cleanup(func() { src.Close() })

	hub := ws.NewHub(logger)
	mjpeg := stream.NewMJPEG(logger)
	sess := session.New(src, hub, logger, session.WithFrameListener(mjpeg.Publish))
	authenticator, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)

	a := &api{
		session: sess,
		hub:     hub,
		mjpeg:   mjpeg,
		source:  src,
		auth:    authenticator,
		started: time.Now(),
		logger:  logger,
	}
	wsHandler := ws.NewHandler(hub, ws.HandlerConfig{
		Topic: sess.Topic(),
		OnMessage: func(m ws.Message) {
			_ = sess.HandleCommand(context.Background(), m.Text)
		},
	}, logger)
	srv := httptest.NewServer(a.routes(wsHandler))
	t.Cleanup(func() {
		hub.Close()
		mjpeg.Close()
		srv.Close()
	})
	return &testServer{api: a, sess: sess, hub: hub, srv: srv}
}

func (ts *testServer) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	return ts.do(t, http.MethodGet, path, token)
}

func (ts *testServer) do(t *testing.T, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
}

func TestReadyzRequiresStreaming(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ts.api.onDemand = true
	resp = ts.get(t, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSnapshotUnavailableBeforeFirstBroadcast(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/snapshot.jpg", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSnapshotServesLastBroadcast(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		_, _, ok := ts.sess.Snapshot()
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	resp := ts.get(t, "/snapshot.jpg", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))

	resp = ts.get(t, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	require.NotNil(t, st.LatestFrame)
	assert.Equal(t, 16, st.LatestFrame.Width)
	assert.NotZero(t, st.LatestFrame.Seq)
}

func TestCommandEndpoint(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	post := func(body string) int {
		resp, err := http.Post(ts.srv.URL+"/api/commands", "text/plain", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusAccepted, post("SET_GAIN:120"))
	assert.Equal(t, http.StatusBadRequest, post("SET_GAIN:lots"))
	assert.Equal(t, http.StatusAccepted, post("HELLO"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, post("SET_GAIN:"+strings.Repeat("1", maxCommandBytes)))

	resp := ts.get(t, "/api/controls", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var values []controlValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&values))

	got := map[control.ID]int64{}
	for i, v := range values {
		got[v.ID] = v.Value
		if i > 0 {
			assert.Less(t, string(values[i-1].ID), string(v.ID), "controls are sorted by id")
		}
	}
	assert.Equal(t, int64(120), got[control.Gain])
	assert.Equal(t, control.Defaults[control.Exposure], got[control.Exposure])
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/api/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, ts.sess.ID(), st.Session.SessionID)
	assert.Equal(t, "synthetic", st.Source.Driver)
	assert.Equal(t, 16, st.Source.Width)
	assert.Equal(t, 0, st.Clients)
	assert.Equal(t, control.Defaults[control.Gain], st.Controls[control.Gain])
	assert.Nil(t, st.LatestFrame, "nothing captured yet")
}

func TestResetControlEndpoint(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp, err := http.Post(ts.srv.URL+"/api/commands", "text/plain", strings.NewReader("SET_GAIN:400"))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, int64(400), ts.sess.Controls().Snapshot()[control.Gain])

	resp = ts.do(t, http.MethodDelete, "/api/controls/gain", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cv controlValue
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cv))
	assert.Equal(t, controlValue{ID: control.Gain, Value: control.Defaults[control.Gain]}, cv)
	assert.Equal(t, control.Defaults[control.Gain], ts.sess.Controls().Snapshot()[control.Gain])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodDelete, "/api/controls/focus", "").StatusCode)
}

func TestSessionsWithoutStore(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/api/sessions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []store.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	assert.Empty(t, recs)
}

func TestSessionsFromStore(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	st, err := store.Open(filepath.Join(t.TempDir(), "asicast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	ts.api.store = st

	startSessionRecord(context.Background(), st, ts.sess, ts.api.source.Info(), zerolog.Nop())
	endSessionRecord(st, ts.sess, zerolog.Nop())

	resp := ts.get(t, "/api/sessions?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []store.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recs))
	require.Len(t, recs, 1)
	assert.Equal(t, ts.sess.ID(), recs[0].ID)
	assert.NotNil(t, recs[0].EndedAt)

	resp = ts.get(t, "/api/sessions/"+ts.sess.ID(), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.SessionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "synthetic", rec.Driver)
	assert.Equal(t, 16, rec.Width)

	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/sessions/missing", "").StatusCode)
}

func TestSessionByIDWithoutStore(t *testing.T) {
	ts := newTestServer(t, auth.Config{})
	assert.Equal(t, http.StatusNotFound, ts.get(t, "/api/sessions/"+ts.sess.ID(), "").StatusCode)
}

func TestLoginDisabled(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp, err := http.Post(ts.srv.URL+"/api/login", "application/json", strings.NewReader(`{"username":"a","password":"b"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthProtectsEndpoints(t *testing.T) {
	ts := newTestServer(t, auth.Config{
		Enabled:   true,
		Username:  "observer",
		Password:  "m42-orion",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	})

	for _, path := range []string{"/api/status", "/api/controls", "/api/sessions", "/api/sessions/x", "/snapshot.jpg", "/stream.mjpeg"} {
		resp := ts.get(t, path, "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodDelete, "/api/controls/gain", "").StatusCode)
	assert.Equal(t, http.StatusOK, ts.get(t, "/healthz", "").StatusCode)

	login := func(password string) *http.Response {
		body, _ := json.Marshal(loginRequest{Username: "observer", Password: password})
		resp, err := http.Post(ts.srv.URL+"/api/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusUnauthorized, login("wrong").StatusCode)

	resp := login("m42-orion")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lr loginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&lr))
	require.NotEmpty(t, lr.Token)
	assert.True(t, lr.ExpiresAt.After(time.Now()))

	assert.Equal(t, http.StatusOK, ts.get(t, "/api/status", lr.Token).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, ts.get(t, "/api/status", "garbage").StatusCode)

	// WebSocket clients pass the token as a query parameter
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+lr.Token, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketCommandReachesSession(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SET_EXPOSURE:2.5")))
	require.Eventually(t, func() bool {
		return ts.sess.Controls().Snapshot()[control.Exposure] == 2500
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketSurvivesMalformedCommand(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SET_GAIN:abc")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("SET_GAIN:120")))
	require.Eventually(t, func() bool {
		return ts.sess.Controls().Snapshot()[control.Gain] == 120
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), ts.sess.Stats().BadCommands)
	assert.Equal(t, 1, ts.hub.ClientCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// The same connection still gets broadcasts
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	assert.NotEmpty(t, msg)
}

func TestMJPEGStreamReceivesBroadcasts(t *testing.T) {
	ts := newTestServer(t, auth.Config{})

	resp := ts.get(t, "/stream.mjpeg", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 1, ts.api.mjpeg.ClientCount())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ts.sess.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	part, err := multipart.NewReader(resp.Body, params["boundary"]).NextPart()
	require.NoError(t, err)
	data, err := io.ReadAll(part)
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(data))
	assert.NoError(t, err)
}
