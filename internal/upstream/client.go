// Package upstream is the HTTP transport for the remote search index. It
// owns everything below the protocol layer: base URL, authentication,
// request timeouts, outbound rate limiting, and transport error
// classification.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/newsdex/newsdex/pkg/config"
	pkgerrors "github.com/newsdex/newsdex/pkg/errors"
	"golang.org/x/time/rate"
)

// Result is one completed upstream exchange: the network round trip
// succeeded and the index answered with some status. Callers decide what
// the status means.
type Result struct {
	StatusCode int
	Status     string
	Body       []byte
}

// OK reports whether the status code is in the 2xx range.
func (r *Result) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Decode unmarshals the response body into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Client issues authenticated GET requests against the remote index.
type Client struct {
	http    *http.Client
	baseURL string
	creds   Credentials
	timeout time.Duration
	limiter *rate.Limiter
	logger  *slog.Logger
}

const defaultRequestTimeout = 20 * time.Second

// NewClient builds a Client from upstream configuration. A zero RateLimit
// disables the outbound limiter; a zero RequestTimeout falls back to the
// default budget.
func NewClient(cfg config.UpstreamConfig) *Client {
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		http:    &http.Client{},
		baseURL: cfg.BaseURL,
		creds:   Credentials{Username: cfg.Username, Password: cfg.Password},
		timeout: timeout,
		limiter: limiter,
		logger:  slog.Default().With("component", "upstream-client"),
	}
}

// Credentials returns the configured subscriber credentials.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Fetch issues one GET with the given query parameters. Transport-level
// failures come back classified: deadline expiry and cancellation map to
// ErrRequestTimedOut, anything else to ErrTransportError wrapping the
// cause. Any HTTP response, success or not, is returned as a Result.
func (c *Client) Fetch(ctx context.Context, params url.Values) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(err)
		}
	}
	requestURL := c.baseURL + "?" + params.Encode()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building upstream request: %w", pkgerrors.ErrTransportError, err)
	}
	if !c.creds.Empty() {
		req.Header.Set("Authorization", c.creds.Header())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "newsdex/1.0")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("upstream request failed", "error", err)
		return nil, c.classify(err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, c.classify(err)
	}
	c.logger.Debug("upstream response",
		"status", res.StatusCode,
		"bytes", len(body),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Result{StatusCode: res.StatusCode, Status: res.Status, Body: body}, nil
}

// classify maps a transport failure onto the error taxonomy. Deadline
// expiry, whether from the per-request budget or the caller's context,
// counts as a timeout; so does caller cancellation.
func (c *Client) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: no upstream response within %s", pkgerrors.ErrRequestTimedOut, c.timeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: request cancelled", pkgerrors.ErrRequestTimedOut)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: no upstream response within %s", pkgerrors.ErrRequestTimedOut, c.timeout)
	}
	return fmt.Errorf("%w: %w", pkgerrors.ErrTransportError, err)
}
