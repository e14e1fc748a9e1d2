// Package contribapi submits contribution suggestions to the rewards backend.
package contribapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/mention-tracker/internal/core"
)

const (
	DefaultTimeout = 30 * time.Second
	submitPath     = "/addcontribution"
	maxErrorBody   = 4096
)

var (
	ErrConnect = errors.New("cannot connect to API server")
	ErrTimeout = errors.New("API request timed out")
)

// StatusError reports a non-2xx response from the backend.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API returned error: %d - %s", e.StatusCode, e.Body)
}

// RequestError wraps any other failure while talking to the backend.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("API request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RPS and Burst throttle submissions client side. Zero disables.
	RPS   float64
	Burst int
	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	return c
}

// Submit POSTs one contribution and returns the decoded JSON response.
// A 2xx response whose body is not JSON is treated as a failure.
func (c *Client) Submit(ctx context.Context, contrib core.Contribution) (map[string]any, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &RequestError{Err: err}
		}
	}

	body, err := json.Marshal(contrib)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+submitPath, bytes.NewReader(body))
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, classify(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text := string(raw)
		if len(text) > maxErrorBody {
			text = text[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(text)}
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &RequestError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return ErrTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return ErrConnect
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrConnect
	}
	return &RequestError{Err: err}
}
