// Package testutil provides HTTP clients, contract validation and containers for
// integration tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bissquit/statusboard/internal/domain"
)

// TokenIssuer mints bearer tokens for test users.
type TokenIssuer interface {
	IssueToken(userID string, role domain.Role, ttl time.Duration) (string, error)
}

// Client calls the API as one caller. With a validator and a *testing.T set, every
// exchange is checked against the OpenAPI contract.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	validator *OpenAPIValidator
	t         *testing.T
}

// NewClient creates a client that does not validate exchanges.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: 30 * time.Second}}
}

// NewClientWithValidator creates a client that validates exchanges once SetT is called.
func NewClientWithValidator(baseURL string, validator *OpenAPIValidator) *Client {
	c := NewClient(baseURL)
	c.validator = validator
	return c
}

// SetT sets the test that validation failures are reported to.
func (c *Client) SetT(t *testing.T) {
	c.t = t
}

// WithoutValidation returns a copy that skips validation, for requests the contract rejects.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.validator = nil
	return &clone
}

// LoginAs authenticates following requests as userID with role.
func (c *Client) LoginAs(t *testing.T, issuer TokenIssuer, userID string, role domain.Role) {
	t.Helper()
	token, err := issuer.IssueToken(userID, role, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	c.token = token
}

// ClearToken makes following requests anonymous.
func (c *Client) ClearToken() {
	c.token = ""
}

func (c *Client) GET(path string) (*http.Response, error) {
	return c.Do(http.MethodGet, path, nil)
}

func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.Do(http.MethodPost, path, body)
}

func (c *Client) PUT(path string, body any) (*http.Response, error) {
	return c.Do(http.MethodPut, path, body)
}

func (c *Client) PATCH(path string, body any) (*http.Response, error) {
	return c.Do(http.MethodPatch, path, body)
}

// Do sends body as JSON, or no body when it is nil.
func (c *Client) Do(method, path string, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	if c.validator != nil && c.t != nil {
		c.validator.Check(c.t, method, path, req.Header, payload, resp)
	}
	return resp, nil
}

// DecodeJSON decodes and closes resp.Body.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// ReadBody reads and closes resp.Body.
func ReadBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}
