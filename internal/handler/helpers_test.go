package handler

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"

	"ns-metadata-proxy/internal/client"
	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/metrics"
	"ns-metadata-proxy/internal/middleware"
	"ns-metadata-proxy/internal/service"
)

// newUnixBackend serves h on a unix socket and returns the socket path.
func newUnixBackend(t *testing.T, h http.HandlerFunc) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "mdp")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	path := filepath.Join(dir, "md.sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewUnstartedServer(h)
	srv.Listener = ln
	srv.Start()
	t.Cleanup(srv.Close)
	return path
}

func testConfig(socketPath string) *config.Config {
	return &config.Config{
		Proxy: config.ProxyConfig{
			RouterID:     "rtr-42",
			SocketPath:   socketPath,
			MetadataPort: 9697,
		},
		Upstream: config.UpstreamConfig{TimeoutSeconds: 5, MaxResponseBytes: 1 << 20},
		Metrics:  config.MetricsConfig{Path: "/metrics"},
	}
}

func newTestProxyHandler(t *testing.T, cfg *config.Config, m *metrics.Metrics) *ProxyHandler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := service.NewProxyService(client.NewUnixSocketClient(cfg, logger, m), cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return NewProxyHandler(svc, logger, m)
}

// newProxyEcho builds a tenant-facing Echo instance the way main does.
func newProxyEcho(proxy *ProxyHandler, mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.IPExtractor = echo.ExtractIPDirect()
	e.HTTPErrorHandler = middleware.ErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.Use(mw...)
	RegisterRoutes(e, proxy)
	return e
}
