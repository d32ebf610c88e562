package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ns-metadata-proxy/internal/client"
	"ns-metadata-proxy/internal/metrics"
	"ns-metadata-proxy/internal/model"
	"ns-metadata-proxy/internal/service"
)

// ProxyHandler forwards every tenant request to the metadata backend.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle forwards the request and writes the mapped backend response. Any
// failure is answered with the generic internal error; the detail is only
// logged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized body as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return h.fail(c, "read_body", err)
	}

	in := &model.InboundRequest{
		RemoteAddress: c.RealIP(),
		Method:        req.Method,
		Path:          req.URL.EscapedPath(),
		Query:         req.URL.RawQuery,
		Body:          body,
	}

	resp, err := h.service.Forward(req.Context(), in)
	if err != nil {
		return h.fail(c, faultReason(err), err)
	}

	if len(resp.Body) == 0 {
		return c.NoContent(resp.StatusCode)
	}
	contentType := resp.ContentType
	if contentType == "" {
		contentType = echo.MIMETextPlainCharsetUTF8
	}
	return c.Blob(resp.StatusCode, contentType, resp.Body)
}

func (h *ProxyHandler) fail(c echo.Context, reason string, err error) error {
	attrs := []any{
		"err", err,
		"reason", reason,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"remote_ip", c.RealIP(),
	}
	if errors.Is(err, service.ErrUnexpectedBackendStatus) {
		h.logger.Warn("unexpected response from metadata backend", attrs...)
	} else {
		h.logger.Error("failed to forward metadata request", attrs...)
	}

	if h.metrics != nil {
		h.metrics.ProxyFaults.WithLabelValues(reason).Inc()
	}
	return c.String(http.StatusInternalServerError, model.MsgUnknownError)
}

// faultReason returns a bounded label describing why a request failed.
func faultReason(err error) string {
	var te *client.TransportError
	switch {
	case errors.As(err, &te):
		return "transport_" + te.Kind.String()
	case errors.Is(err, service.ErrUnexpectedBackendStatus):
		return "unexpected_status"
	default:
		return "internal"
	}
}
