// Package client talks to a running collector over HTTP.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/config"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/httpx"
	"github.com/nicktill/fpcollect/pkg/ingest"
)

// DefaultTimeout bounds each request when Config.Timeout is zero
const DefaultTimeout = 30 * time.Second

// StatusError is returned for non-2xx responses
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Code)
	}
	return fmt.Sprintf("request failed with status %d: %s", e.Code, e.Message)
}

// IsStatus reports whether err is a StatusError with the given code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// Config holds configuration for a Client
type Config struct {
	// BaseURL of the collector, e.g. http://localhost:8080
	BaseURL string

	// SessionCookie must match the server's cookie name
	SessionCookie string

	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client calls the collector's /api/v1 endpoints
type Client struct {
	base   string
	cookie string
	http   *http.Client
}

// New creates a client
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("base URL: %w", err)
	}
	if cfg.SessionCookie == "" {
		cfg.SessionCookie = config.DefaultSessionCookie
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/") + "/api/v1",
		cookie: cfg.SessionCookie,
		http:   hc,
	}, nil
}

// Submit posts one raw capture. An empty sessionToken lets the server mint one.
func (c *Client) Submit(ctx context.Context, sessionToken string, body []byte) (*ingest.SubmitResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/logger", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionToken != "" {
		req.AddCookie(&http.Cookie{Name: c.cookie, Value: sessionToken})
	}

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var resp ingest.SubmitResponse
	if err := document.JSON().Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	return &resp, nil
}

// Compile fetches the value frequency table for filter (null = everything)
func (c *Client) Compile(ctx context.Context, filter document.Node) (aggregate.Table, error) {
	q := url.Values{"q": {filter.String()}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/compile?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	var table aggregate.Table
	if err := table.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decode table: %w", err)
	}
	return table, nil
}

// Synthesize compiles filter and rebuilds the most common fingerprint
func (c *Client) Synthesize(ctx context.Context, filter document.Node) (*Synthesis, error) {
	table, err := c.Compile(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Synthesize(table)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{Code: resp.StatusCode}
		var body httpx.ErrorResponse
		if document.JSON().Unmarshal(data, &body) == nil {
			se.Message = body.Message
		}
		return nil, se
	}
	return data, nil
}
