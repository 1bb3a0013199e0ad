package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// apiClient talks to a running asicast server
type apiClient struct {
	base   *url.URL
	token  string
	doer   *http.Client
	logger zerolog.Logger
}

func doHTTP(scheme, host, token string, timeout int, debug bool, logger zerolog.Logger) *apiClient {
	var rt http.RoundTripper = http.DefaultTransport
	if debug {
		rt = &debugTransport{next: rt, logger: logger}
	}
	return &apiClient{
		base:   &url.URL{Scheme: scheme, Host: host},
		token:  token,
		doer:   &http.Client{Timeout: time.Duration(timeout) * time.Second, Transport: rt},
		logger: logger,
	}
}

func (c *apiClient) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	u := c.base.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var e struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		msg := e.Error
		if msg == "" {
			msg = e.Status
		}
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, msg)
	}
	return resp, nil
}

func (c *apiClient) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *apiClient) login(ctx context.Context, username, password string) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", time.Time{}, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/api/login", "application/json", strings.NewReader(string(body)))
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("decode login response: %w", err)
	}
	return out.Token, out.ExpiresAt, nil
}

func (c *apiClient) command(ctx context.Context, text string) error {
	resp, err := c.do(ctx, http.MethodPost, "/api/commands", "text/plain", strings.NewReader(text))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *apiClient) snapshot(ctx context.Context) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "/snapshot.jpg", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// wsURL returns the stream endpoint, with the token as a query parameter
func (c *apiClient) wsURL() string {
	u := c.base.JoinPath("/ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// debugTransport dumps requests and response status lines
type debugTransport struct {
	next   http.RoundTripper
	logger zerolog.Logger
}

func (t *debugTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if dump, err := httputil.DumpRequestOut(req, req.Header.Get("Content-Type") != ""); err == nil {
		t.logger.Debug().Msg(string(dump))
	}
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.logger.Debug().Str("status", resp.Status).Dur("duration", time.Since(start)).Msg("response")
	return resp, nil
}
