package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError carries a non-2xx answer from the server.
type APIError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	if e.Status == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

// HTTPClient makes REST calls to the wahub server.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a client targeting the given base URL (e.g. "http://127.0.0.1:3000").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// ListSessions fetches GET /sessions.
func (c *HTTPClient) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	var out []SessionSummary
	if err := c.do(ctx, http.MethodGet, "/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetSession fetches GET /sessions/{id}.
func (c *HTTPClient) GetSession(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// InitSession sends POST /sessions/init.
func (c *HTTPClient) InitSession(ctx context.Context, id string) (*CommandResponse, error) {
	var out CommandResponse
	if err := c.do(ctx, http.MethodPost, "/sessions/init", map[string]string{"id": id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteSession sends DELETE /sessions/{id}.
func (c *HTTPClient) DeleteSession(ctx context.Context, id string) (*CommandResponse, error) {
	var out CommandResponse
	if err := c.do(ctx, http.MethodDelete, "/sessions/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessage sends POST /messages/send.
func (c *HTTPClient) SendMessage(ctx context.Context, sessionID, to, text string) (*CommandResponse, error) {
	body := map[string]string{"sessionId": sessionID, "to": to, "text": text}
	var out CommandResponse
	if err := c.do(ctx, http.MethodPost, "/messages/send", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches GET /healthz.
func (c *HTTPClient) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(respBody)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// errorMessage prefers the server's {"error": "..."} text over the raw body.
func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
