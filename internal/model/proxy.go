package model

import (
	"net/http"
	"net/url"
)

// PlaceholderHost makes the outbound request line valid. Routing is done by
// the unix socket path alone.
const PlaceholderHost = "169.254.169.254"

// Response bodies returned to tenants in place of internal detail.
const (
	MsgBackendInternalError = "Remote metadata server experienced an internal server error."
	MsgUnknownError         = "An unknown error has occurred. Please try your request again."
)

// InboundRequest is a tenant request accepted on the proxy port.
type InboundRequest struct {
	RemoteAddress string
	Method        string
	Path          string // escaped form, forwarded verbatim
	Query         string // raw query, forwarded verbatim
	Body          []byte
}

// OutboundRequest is the request delivered to the metadata backend.
type OutboundRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// URL renders the request URL against the placeholder host.
func (r *OutboundRequest) URL() string {
	u := url.URL{
		Scheme:   "http",
		Host:     PlaceholderHost,
		RawQuery: r.Query,
	}
	// Path is already escaped; keep its encoding.
	u.Path = r.Path
	if p, err := url.PathUnescape(r.Path); err == nil {
		u.Path = p
		u.RawPath = r.Path
	}
	return u.String()
}

// BackendResponse is the metadata backend's answer.
type BackendResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// OutboundResponse is what the proxy writes back to the tenant.
type OutboundResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}
