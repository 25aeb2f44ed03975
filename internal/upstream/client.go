// Package upstream provides a JSON-over-HTTP client for sibling modules
// (movement, asset) with bounded exponential retries.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Upstream errors.
var (
	// ErrNotFound is returned for a 404 response. It is never retried.
	ErrNotFound = errors.New("upstream resource not found")
	// ErrUnavailable wraps failures that persisted after retries.
	ErrUnavailable = errors.New("upstream unavailable")
)

const (
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 15 * time.Second
	// DefaultMaxElapsed bounds the total time spent retrying one call.
	DefaultMaxElapsed = 30 * time.Second
	// maxErrorBody is how much of an error response body is kept.
	maxErrorBody = 512
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Client calls a single upstream base URL.
type Client struct {
	baseURL    *url.URL
	http       *http.Client
	logger     *slog.Logger
	maxElapsed time.Duration
}

// New creates a Client for baseURL.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid upstream base URL %q", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL: parsed,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     logger.With("component", "upstream", "host", parsed.Host),
		maxElapsed: DefaultMaxElapsed,
	}, nil
}

// SetMaxElapsed overrides the retry budget. Zero disables retries.
func (c *Client) SetMaxElapsed(d time.Duration) {
	c.maxElapsed = d
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, out)
}

// PostJSON sends body as JSON and decodes the JSON response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, nil, data, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	op := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
			return backoff.Permanent(ErrNotFound)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if retryable(resp.StatusCode) {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}

		if out == nil {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	policy := c.policy(ctx)
	err := backoff.RetryNotify(op, policy, func(err error, next time.Duration) {
		c.logger.Warn("upstream call failed, retrying",
			"method", method,
			"path", path,
			"retry_in_ms", next.Milliseconds(),
			"error", err,
		)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrUnavailable, method, path, err)
}

func (c *Client) policy(ctx context.Context) backoff.BackOff {
	if c.maxElapsed <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.maxElapsed
	return backoff.WithContext(b, ctx)
}

// retryable reports whether a status code is worth retrying.
func retryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout ||
		status == http.StatusInternalServerError
}
