package charon

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
	"strings"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/tartarus-sandbox/tartarus-vmm/pkg/hermes"
)

// Client is Charon, the ferryman: it carries JSON requests across the
// Firecracker control socket.
//
// Transport failures are retried with linear backoff up to the attempt
// budget. A reset connection is only retried for idempotent requests. Any
// HTTP answer, including 4xx/5xx, ends the call.
type Client struct {
	socketPath string
	http       *http.Client
	dial       func(ctx context.Context, path string) (net.Conn, error)
	attempts   int
	backoff    time.Duration
	logger     *slog.Logger
	metrics    hermes.Metrics
}

type Option func(*Client)

// WithRetry sets the total attempt budget and the backoff unit; attempt n
// waits n*backoff before the next one.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// WithRequestTimeout bounds each individual request.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m hermes.Metrics) Option {
	return func(c *Client) { c.metrics = hermes.OrNoop(m) }
}

// WithDialer replaces the Unix socket dialer.
func WithDialer(dial func(ctx context.Context, path string) (net.Conn, error)) Option {
	return func(c *Client) { c.dial = dial }
}

// New returns a client for the socket at socketPath.
func New(socketPath string, opts ...Option) *Client {
	c := &Client{
		socketPath: socketPath,
		attempts:   1,
		backoff:    50 * time.Millisecond,
		logger:     slog.Default(),
		metrics:    hermes.NewNoopMetrics(),
		dial: func(ctx context.Context, path string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	c.http = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return c.dial(ctx, c.socketPath)
			},
			MaxIdleConns:       2,
			IdleConnTimeout:    30 * time.Second,
			DisableCompression: true,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SocketPath() string {
	return c.socketPath
}

// Close drops idle keep-alive connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Do sends body as JSON and decodes a 2xx answer into out when both are
// non-nil.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
	}
	idempotent := isIdempotent(method, path)

	for attempt := 1; ; attempt++ {
		status, data, err := c.roundTrip(ctx, method, path, payload)
		if err == nil {
			return c.decode(method, path, status, data, out)
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			c.count(method, "cancelled")
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		}

		terr := &TransportError{Kind: classify(err), Method: method, Path: path, Attempts: attempt, Err: err}
		if !terr.Retryable() || (terr.Kind == ConnectionReset && !idempotent) || attempt >= c.attempts {
			c.count(method, "transport_error")
			return terr
		}

		delay := c.backoff * time.Duration(attempt)
		c.logger.Debug("Retrying control request", "method", method, "path", path, "attempt", attempt, "kind", terr.Kind.String(), "delay", delay)
		c.metrics.IncCounter("api_retries_total", 1, hermes.Label{Key: "kind", Value: terr.Kind.String()})

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.count(method, "cancelled")
			return fmt.Errorf("%s %s: %w", method, path, ctx.Err())
		case <-timer.C:
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) decode(method, path string, status int, data []byte, out any) error {
	if status >= http.StatusBadRequest {
		c.count(method, "api_error")
		apiErr := &APIError{Method: method, Path: path, StatusCode: status}
		var fault models.Error
		if err := json.Unmarshal(data, &fault); err == nil && fault.FaultMessage != "" {
			apiErr.FaultMessage = fault.FaultMessage
		} else {
			apiErr.FaultMessage = strings.TrimSpace(string(data))
		}
		return apiErr
	}

	c.count(method, "ok")
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) count(method, result string) {
	c.metrics.IncCounter("api_requests_total", 1, hermes.Label{Key: "method", Value: method}, hermes.Label{Key: "result", Value: result})
}

// isIdempotent reports whether re-sending the request cannot change the
// outcome. Actions, pause/resume, metadata merges and snapshot calls are
// one-shot.
func isIdempotent(method, path string) bool {
	if method == http.MethodGet {
		return true
	}
	switch path {
	case "/actions", "/vm", "/snapshot/create", "/snapshot/load":
		return false
	case "/mmds":
		return method != http.MethodPatch
	}
	return true
}
