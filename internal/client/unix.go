// Package client provides the Unix domain socket transport to the metadata backend.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/metrics"
	"ns-metadata-proxy/internal/model"
)

// TransportErrorKind classifies a failed backend round trip.
type TransportErrorKind int

const (
	KindFailed TransportErrorKind = iota
	KindSocketMissing
	KindRefused
	KindTimeout
)

func (k TransportErrorKind) String() string {
	switch k {
	case KindSocketMissing:
		return "socket_missing"
	case KindRefused:
		return "connection_refused"
	case KindTimeout:
		return "timeout"
	default:
		return "failed"
	}
}

// TransportError is returned when the backend could not be reached or did
// not answer in time.
type TransportError struct {
	Kind       TransportErrorKind
	SocketPath string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("unix transport %s (%s): %v", e.SocketPath, e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UnixSocketClient sends requests to the metadata backend over a Unix socket.
// Every request dials its own connection and closes it afterwards.
type UnixSocketClient struct {
	socketPath       string
	maxResponseBytes int64
	httpClient       *http.Client
	logger           *slog.Logger
	metrics          *metrics.Metrics
}

// NewUnixSocketClient creates a UnixSocketClient for cfg.Proxy.SocketPath.
// The metrics parameter is optional; pass nil to disable backend metrics recording.
func NewUnixSocketClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UnixSocketClient {
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	socketPath := cfg.Proxy.SocketPath

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		// The URL host is a placeholder; always dial the socket.
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives:     true,
		ResponseHeaderTimeout: timeout,
	}

	return &UnixSocketClient{
		socketPath:       socketPath,
		maxResponseBytes: cfg.Upstream.MaxResponseBytes,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "unix_client"),
		metrics: m,
	}
}

// SocketPath returns the backend socket this client dials.
func (c *UnixSocketClient) SocketPath() string {
	return c.socketPath
}

// Do performs one request/response exchange with the backend. Failures to
// reach the backend are returned as *TransportError.
func (c *UnixSocketClient) Do(ctx context.Context, out *model.OutboundRequest) (*model.BackendResponse, error) {
	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL(), bytes.NewReader(out.Body))
	if err != nil {
		return nil, fmt.Errorf("build backend request: %w", err)
	}
	for k, vals := range out.Header {
		req.Header[k] = vals
	}

	c.logger.Debug("backend request",
		"method", out.Method,
		"path", out.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	method := metrics.NormalizeMethod(out.Method)
	if err != nil {
		c.observe(method, "", start)
		return nil, c.transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := c.readBody(resp.Body)
	c.observe(method, strconv.Itoa(resp.StatusCode), start)
	if err != nil {
		return nil, c.transportError(err)
	}

	return &model.BackendResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (c *UnixSocketClient) readBody(r io.Reader) ([]byte, error) {
	if c.maxResponseBytes <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, c.maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxResponseBytes {
		return nil, fmt.Errorf("backend response exceeds %d bytes", c.maxResponseBytes)
	}
	return body, nil
}

func (c *UnixSocketClient) observe(method, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if status != "" {
		c.metrics.BackendResponses.WithLabelValues(method, status).Inc()
	}
}

func (c *UnixSocketClient) transportError(err error) *TransportError {
	return &TransportError{Kind: classify(err), SocketPath: c.socketPath, Err: err}
}

func classify(err error) TransportErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return KindTimeout
	case errors.Is(err, fs.ErrNotExist):
		return KindSocketMissing
	case errors.Is(err, syscall.ECONNREFUSED):
		return KindRefused
	default:
		return KindFailed
	}
}
