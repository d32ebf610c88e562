package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/daemon"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StateReporter reports the lifecycle state of the serving daemon.
type StateReporter interface {
	State() daemon.State
}

// HealthHandler serves the admin health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	state   StateReporter
}

// NewHealthHandler creates a HealthHandler. state may be nil.
func NewHealthHandler(cfg *config.Config, v Version, state StateReporter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, state: state}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	state := "unknown"
	if h.state != nil {
		state = h.state.State().String()
	}
	id, _ := h.cfg.Identity()

	return c.JSON(http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       string(h.version),
		"state":         state,
		"identity_kind": id.Kind(),
		"identity":      id.UUID(),
		"metadata_port": h.cfg.Proxy.MetadataPort,
		"socket_path":   h.cfg.Proxy.SocketPath,
	})
}
