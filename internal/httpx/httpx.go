// Package httpx is a thin JSON client over net/http with retries for
// transient failures and CSRF header injection on mutating requests.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultAttempts   = 3
	defaultRetryDelay = 300 * time.Millisecond
	defaultTimeout    = 10 * time.Second

	csrfHeader = "X-CSRF-Token"
)

// StatusError is returned when the server answers with a non-2xx status.
// The body, if any, is preserved so callers can decode a domain error
// envelope out of it.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client issues JSON requests against a single base URL.
type Client struct {
	base       string
	httpClient *http.Client
	csrfToken  string
	attempts   int
	retryDelay time.Duration
	log        *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient substitutes the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCSRFToken sets the token attached to mutating requests.
func WithCSRFToken(token string) Option {
	return func(c *Client) { c.csrfToken = token }
}

// WithAttempts sets how many times a GET is tried before giving up.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithRetryDelay sets the initial backoff between GET retries.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// WithTimeout caps each individual request attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New creates a Client rooted at base, e.g. "https://game.example.com".
func New(base string, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		base:       base,
		httpClient: &http.Client{Timeout: defaultTimeout},
		attempts:   defaultAttempts,
		retryDelay: defaultRetryDelay,
		log:        log,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate inspects a decoded response before it is accepted. Returning an
// error marks the attempt failed and, for GETs, triggers a retry.
type Validate func(status int, body []byte) error

// GetJSON fetches path and decodes the response into out. Transport errors
// and 5xx responses are retried with exponential backoff; 4xx responses are
// returned immediately as a *StatusError.
func (c *Client) GetJSON(ctx context.Context, path string, out any, validate Validate) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.retryDelay),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), uint64(c.attempts-1))
	bo = backoff.WithContext(bo, ctx)

	attempt := 0
	op := func() error {
		attempt++
		status, body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			c.log.Debug("request failed",
				zap.String("path", path), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if status >= 500 {
			return &StatusError{StatusCode: status, Body: body}
		}
		if status < 200 || status >= 300 {
			return backoff.Permanent(&StatusError{StatusCode: status, Body: body})
		}
		if validate != nil {
			if verr := validate(status, body); verr != nil {
				return verr
			}
		}
		if out != nil {
			if derr := json.Unmarshal(body, out); derr != nil {
				return backoff.Permanent(fmt.Errorf("decode %s: %w", path, derr))
			}
		}
		return nil
	}
	return backoff.Retry(op, bo)
}

// PostJSON sends body as JSON to path and decodes the response into out.
// Mutating requests are never retried. The response body is decoded even on
// non-2xx statuses so the caller can read a domain error envelope, and the
// *StatusError is still returned.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		payload = bytes.NewReader(raw)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return err
	}
	if out != nil && len(respBody) > 0 {
		// Best effort on error statuses: the envelope may not be JSON.
		if derr := json.Unmarshal(respBody, out); derr != nil && status >= 200 && status < 300 {
			return fmt.Errorf("decode %s: %w", path, derr)
		}
	}
	if status < 200 || status >= 300 {
		return &StatusError{StatusCode: status, Body: respBody}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet && c.csrfToken != "" {
		req.Header.Set(csrfHeader, c.csrfToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, raw, nil
}
