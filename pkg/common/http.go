package common

import (
	_ "embed"
	"net/http"
	"strings"
	"time"
)

//go:embed VERSION
var version string

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements the http.RoundTripper interface.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid modifying the original request's headers
	// which might be shared or reused
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// UserAgent returns the user-agent sent with every outgoing request.
func UserAgent() string {
	return "MyEnergi/" + strings.TrimSpace(version)
}

// HTTPClient returns a default http client with a default user-agent set. If
// rt is nil then http.DefaultTransport is used underneath.
func HTTPClient(timeout time.Duration, rt http.RoundTripper) *http.Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Transport: &userAgentTransport{
			transport: rt,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}
