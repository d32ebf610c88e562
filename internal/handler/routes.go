package handler

import (
	"github.com/labstack/echo/v4"

	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/metrics"
)

// RegisterRoutes wires the proxy handler onto the tenant-facing Echo
// instance. Every method and path is forwarded.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and Prometheus endpoints onto the
// admin Echo instance.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
}
