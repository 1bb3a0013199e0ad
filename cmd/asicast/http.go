package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"asicast/internal/auth"
	"asicast/internal/control"
	"asicast/internal/middleware"
	"asicast/internal/session"
	"asicast/internal/source"
	"asicast/internal/store"
	"asicast/internal/stream"
	"asicast/internal/ws"
)

const maxCommandBytes = 512

// sessionHistory is the part of the store the API reads
type sessionHistory interface {
	ListSessions(ctx context.Context, limit int) ([]*store.SessionRecord, error)
	GetSession(ctx context.Context, id string) (*store.SessionRecord, error)
	Ping(ctx context.Context) error
}

type api struct {
	session  *session.Session
	hub      *ws.Hub
	mjpeg    *stream.MJPEG
	source   source.FrameSource
	store    sessionHistory
	auth     *auth.Authenticator
	started  time.Time
	onDemand bool
	logger   zerolog.Logger
}

// routes builds the HTTP mux. Everything but the probes and login needs a
// token when auth is enabled.
func (a *api) routes(wsHandler http.Handler) http.Handler {
	protect := middleware.AuthMiddleware(a.auth)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	mux.HandleFunc("GET /readyz", a.readyz)
	mux.HandleFunc("POST /api/login", a.login)
	mux.Handle("GET /api/status", protect(http.HandlerFunc(a.status)))
	mux.Handle("GET /api/controls", protect(http.HandlerFunc(a.controls)))
	mux.Handle("DELETE /api/controls/{id}", protect(http.HandlerFunc(a.resetControl)))
	mux.Handle("POST /api/commands", protect(http.HandlerFunc(a.command)))
	mux.Handle("GET /api/sessions", protect(http.HandlerFunc(a.sessions)))
	mux.Handle("GET /api/sessions/{id}", protect(http.HandlerFunc(a.sessionByID)))
	mux.Handle("GET /snapshot.jpg", protect(http.HandlerFunc(a.snapshot)))
	mux.Handle("GET /ws", protect(wsHandler))
	mux.Handle("GET /stream.mjpeg", protect(a.mjpeg))
	return a.logRequests(mux)
}

// Liveness probe, the process is up
func (a *api) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness probe, frames are flowing or the source waits for subscribers
func (a *api) readyz(w http.ResponseWriter, r *http.Request) {
	if a.hub.Closed() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "shutting down"})
		return
	}
	if !a.session.Streaming() && !a.onDemand {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not streaming"})
		return
	}
	if a.store != nil {
		if err := a.store.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	token, expires, err := a.auth.Authenticate(req.Username, req.Password)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "authentication is disabled"})
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		a.logger.Warn().Str("username", req.Username).Str("remote", r.RemoteAddr).Msg("login failed")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("failed to issue token")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: token, ExpiresAt: expires})
}

type statusResponse struct {
	Session       session.Stats        `json:"session"`
	Source        source.Info          `json:"source"`
	Controls      map[control.ID]int64 `json:"controls"`
	Clients       int                  `json:"clients"`
	LatestFrame   *frameStatus         `json:"latest_frame,omitempty"`
	UptimeSeconds int64                `json:"uptime_seconds"`
}

// frameStatus describes the newest frame in the slot, consumed or not
type frameStatus struct {
	Seq        uint64    `json:"seq"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Session:       a.session.Stats(),
		Source:        a.source.Info(),
		Controls:      a.session.Controls().Snapshot(),
		Clients:       a.hub.ClientCount() + a.mjpeg.ClientCount(),
		UptimeSeconds: int64(time.Since(a.started).Seconds()),
	}
	if f := a.session.Slot().Peek(); f != nil {
		resp.LatestFrame = &frameStatus{Seq: f.Seq, Width: f.Width, Height: f.Height, CapturedAt: f.CapturedAt}
	}
	writeJSON(w, http.StatusOK, resp)
}

type controlValue struct {
	ID    control.ID `json:"id"`
	Value int64      `json:"value"`
}

func (a *api) controls(w http.ResponseWriter, r *http.Request) {
	values := a.session.Controls().Snapshot()
	out := make([]controlValue, 0, len(values))
	for _, id := range control.IDs(values) {
		out = append(out, controlValue{ID: id, Value: values[id]})
	}
	writeJSON(w, http.StatusOK, out)
}

// resetControl puts a control back to its default and drops the saved value
func (a *api) resetControl(w http.ResponseWriter, r *http.Request) {
	id := control.ID(r.PathValue("id"))
	if !id.Valid() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown control"})
		return
	}
	value, err := a.session.ResetControl(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, controlValue{ID: id, Value: value})
}

// command accepts the same text commands as the WebSocket, for clients that
// only speak HTTP
func (a *api) command(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBytes+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}
	if len(body) > maxCommandBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "command too long"})
		return
	}

	var perr *control.ParseError
	if err := a.session.HandleCommand(r.Context(), string(body)); err != nil {
		if errors.As(err, &perr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *api) sessions(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusOK, []*store.SessionRecord{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := a.store.ListSessions(r.Context(), limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to list sessions")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if recs == nil {
		recs = []*store.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (a *api) sessionByID(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session history is disabled"})
		return
	}
	rec, err := a.store.GetSession(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("failed to load session")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// snapshot serves the image most recently sent to subscribers
func (a *api) snapshot(w http.ResponseWriter, r *http.Request) {
	data, at, ok := a.session.Snapshot()
	if !ok {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no frame available"})
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Last-Modified", at.UTC().Format(http.TimeFormat))
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the response code. It passes Hijack and Flush
// through so WebSocket and MJPEG work behind the logger.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reqID := r.Header.Get("X-Request-Id")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", reqID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		ev := a.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			ev = a.logger.Warn()
		}
		ev.Str("request_id", reqID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
