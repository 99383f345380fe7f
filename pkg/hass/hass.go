// Package hass is a minimal Home Assistant REST API client covering the
// calls this daemon needs: a liveness ping, entity state reads, and service
// calls (TTS).
package hass

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

const maxErrorBody = 2 << 10

// APIError is a non-2xx response from Home Assistant. Body is truncated and
// safe to log.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("home assistant: status %d", e.StatusCode)
	}
	return fmt.Sprintf("home assistant: status %d: %s", e.StatusCode, e.Body)
}

// IsAuthError reports whether err is an APIError carrying a 401 or 403.
func IsAuthError(err error) bool {
	var ae *APIError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.StatusCode == http.StatusUnauthorized || ae.StatusCode == http.StatusForbidden
}

// State is one entity's current state.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
}

// AttrFloat reads a numeric attribute. JSON numbers decode as float64; ints
// smuggled in as whole floats count too.
func (s State) AttrFloat(key string) (float64, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

// AttrString reads a string attribute.
func (s State) AttrString(key string) (string, bool) {
	v, ok := s.Attributes[key]
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

type Client struct {
	base  string // scheme://host[:port], no trailing slash, no /api suffix
	token string
	hc    *http.Client
}

// NewClient builds a client for the given Home Assistant base URL
// (e.g. "http://ha.local:8123"). A nil httpClient gets a 15 s timeout
// default.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	base = strings.TrimSuffix(base, "/api")
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: base, token: token, hc: httpClient}
}

// Ping verifies the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	var out struct {
		Message string `json:"message"`
	}
	return c.get(ctx, "/api/", &out)
}

// GetState fetches the current state of one entity.
func (c *Client) GetState(ctx context.Context, entityID string) (State, error) {
	entityID = strings.TrimSpace(entityID)
	if entityID == "" {
		return State{}, errors.New("entity id required")
	}
	var st State
	if err := c.get(ctx, "/api/states/"+url.PathEscape(entityID), &st); err != nil {
		return State{}, err
	}
	return st, nil
}

// CallService invokes <domain>.<service> with the given service data
// (entity_id goes in data like any other key).
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	domain = strings.TrimSpace(domain)
	service = strings.TrimSpace(service)
	if domain == "" || service == "" {
		return errors.New("domain and service required")
	}
	if data == nil {
		data = map[string]any{}
	}
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode service data: %w", err)
	}
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.do(ctx, http.MethodPost, path, body, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.base == "" {
		return errors.New("base url required")
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
