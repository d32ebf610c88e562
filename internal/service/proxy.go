// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"ns-metadata-proxy/internal/client"
	"ns-metadata-proxy/internal/config"
	"ns-metadata-proxy/internal/model"
)

// ProxyService forwards tenant requests to the metadata backend on behalf of
// a single network or router.
type ProxyService struct {
	client   *client.UnixSocketClient
	identity model.Identity
	logger   *slog.Logger
}

// NewProxyService creates a ProxyService. It fails with a
// *model.ConfigurationError when the configured identity is invalid, so a
// misconfigured proxy never starts serving.
func NewProxyService(c *client.UnixSocketClient, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	id, err := cfg.Identity()
	if err != nil {
		return nil, err
	}

	return &ProxyService{
		client:   c,
		identity: id,
		logger:   logger.With("component", "proxy_service", "identity_kind", id.Kind(), "identity", id.UUID()),
	}, nil
}

// Identity returns the identity injected into forwarded requests.
func (s *ProxyService) Identity() model.Identity {
	return s.identity
}

// Forward translates in, performs the backend round trip and applies the
// status table. Errors are either *client.TransportError or match
// ErrUnexpectedBackendStatus.
func (s *ProxyService) Forward(ctx context.Context, in *model.InboundRequest) (*model.OutboundResponse, error) {
	out := Translate(in, s.identity)

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"path", out.Path,
		"remote_addr", in.RemoteAddress,
	)

	resp, err := s.client.Do(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("forward to metadata backend: %w", err)
	}

	mapped, err := MapResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusInternalServerError {
		s.logger.Debug(model.MsgBackendInternalError, "path", out.Path)
	}
	return mapped, nil
}
