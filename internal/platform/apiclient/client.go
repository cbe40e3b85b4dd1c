// Package apiclient wraps the upstream directory API. It normalizes every
// response into the API's envelope and classifies failures; interpreting the
// envelope's success flag is left to callers.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxResponseBytes = 1 << 20

// Envelope is the response body shape shared by every upstream endpoint.
type Envelope struct {
	Success bool            `json:"success"`
	Route   string          `json:"route"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Err returns a DomainError when the envelope reports failure, nil otherwise.
func (e *Envelope) Err() error {
	if e == nil {
		return &DomainError{Message: "empty response"}
	}
	if e.Success {
		return nil
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	return &DomainError{Route: e.Route, Message: msg}
}

// Decode unmarshals the envelope's data payload into target.
func (e *Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("apiclient: %s: envelope has no data", e.Route)
	}
	return json.Unmarshal(e.Data, target)
}

// Observer records upstream call outcomes for metrics.
type Observer interface {
	UpstreamRequest(endpoint, outcome string)
}

// Config holds client construction parameters.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client issues requests against the upstream API. It is stateless: the
// caller supplies the upstream session cookie on every request, and the
// client performs no retries, caching or deduplication.
type Client struct {
	baseURL  string
	http     *http.Client
	logger   *slog.Logger
	observer Observer
}

// New constructs a Client. Observer may be nil.
func New(cfg Config, logger *slog.Logger, observer Observer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     &http.Client{Timeout: timeout},
		logger:   logger,
		observer: observer,
	}
}

// Request describes a single upstream call.
type Request struct {
	Method string
	Path   string
	Body   any
	// Cookie is the raw Cookie header remembered from login; empty for
	// unauthenticated calls.
	Cookie string
}

// Do performs the request and returns the parsed envelope. A 2xx envelope is
// forwarded verbatim even when success is false; everything else maps to
// RateLimitError or TransportError.
func (c *Client) Do(ctx context.Context, req Request) (*Envelope, error) {
	env, _, err := c.roundTrip(ctx, req)
	return env, err
}

// DoWithCookies performs the request and additionally surfaces the response
// cookies, which login needs to capture the upstream session.
func (c *Client) DoWithCookies(ctx context.Context, req Request) (*Envelope, []*http.Cookie, error) {
	return c.roundTrip(ctx, req)
}

func (c *Client) roundTrip(ctx context.Context, req Request) (*Envelope, []*http.Cookie, error) {
	var body io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, nil, c.fail(req.Path, &TransportError{Endpoint: req.Path, Err: err})
		}
		body = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, nil, c.fail(req.Path, &TransportError{Endpoint: req.Path, Err: err})
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Cookie != "" {
		httpReq.Header.Set("Cookie", req.Cookie)
	}

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, nil, c.fail(req.Path, &TransportError{Endpoint: req.Path, Err: err})
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, nil, c.fail(req.Path, &TransportError{Endpoint: req.Path, Err: err})
	}

	if res.StatusCode == http.StatusTooManyRequests {
		c.observe(req.Path, "rate_limited")
		return nil, nil, &RateLimitError{Endpoint: req.Path}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		c.observe(req.Path, "upstream_error")
		return nil, nil, &TransportError{Endpoint: req.Path, Status: res.StatusCode, Err: fmt.Errorf("unexpected status %d", res.StatusCode)}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, nil, c.fail(req.Path, &TransportError{Endpoint: req.Path, Err: fmt.Errorf("malformed response: %w", err)})
	}

	c.observe(req.Path, "ok")
	return &env, res.Cookies(), nil
}

func (c *Client) fail(endpoint string, err error) error {
	if c.logger != nil {
		c.logger.Warn("upstream request failed", slog.String("endpoint", endpoint), slog.Any("error", err))
	}
	c.observe(endpoint, "transport_error")
	return err
}

func (c *Client) observe(endpoint, outcome string) {
	if c.observer != nil {
		c.observer.UpstreamRequest(endpoint, outcome)
	}
}
