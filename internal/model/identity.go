// Package model defines shared types for the proxy.
package model

import "fmt"

// Identity headers injected into every forwarded request.
const (
	HeaderForwardedFor = "X-Forwarded-For"
	HeaderNetworkID    = "X-Network-ID"
	HeaderRouterID     = "X-Router-ID"
)

// ConfigurationError reports a proxy configuration that must prevent startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Identity names the logical network context served by one proxy instance.
// Exactly one of NetworkID and RouterID is set.
type Identity struct {
	NetworkID string
	RouterID  string
}

// NewIdentity validates and returns an Identity.
func NewIdentity(networkID, routerID string) (Identity, error) {
	id := Identity{NetworkID: networkID, RouterID: routerID}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate returns a *ConfigurationError unless exactly one field is set.
func (id Identity) Validate() error {
	switch {
	case id.NetworkID == "" && id.RouterID == "":
		return &ConfigurationError{
			Field:  "network_id/router_id",
			Reason: "network_id and router_id are both empty; one must be provided",
		}
	case id.NetworkID != "" && id.RouterID != "":
		return &ConfigurationError{
			Field:  "network_id/router_id",
			Reason: "network_id and router_id are mutually exclusive",
		}
	}
	return nil
}

// Header returns the identity header name and value.
func (id Identity) Header() (name, value string) {
	if id.RouterID != "" {
		return HeaderRouterID, id.RouterID
	}
	return HeaderNetworkID, id.NetworkID
}

// Kind returns "router" or "network".
func (id Identity) Kind() string {
	if id.RouterID != "" {
		return "router"
	}
	return "network"
}

// UUID returns whichever identifier is set. The daemon uses it to tie a
// pidfile to the process serving this identity.
func (id Identity) UUID() string {
	if id.RouterID != "" {
		return id.RouterID
	}
	return id.NetworkID
}
