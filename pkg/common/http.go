package common

import (
	"net/http"
	"time"
)

// Version is the build version, set with
// -ldflags "-X github.com/opsdesk/changeover/pkg/common.Version=1.2.0".
var Version = "dev"

// UserAgent identifies this service to the identity providers it talks to.
func UserAgent() string {
	return "Changeover/" + Version
}

type userAgentTransport struct {
	transport http.RoundTripper
	userAgent string
}

// RoundTrip implements http.RoundTripper.
func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// the caller may reuse the request
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.userAgent)
	return t.transport.RoundTrip(req)
}

// HTTPClient returns a default http client with a default user-agent set
func HTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &userAgentTransport{
			transport: http.DefaultTransport,
			userAgent: UserAgent(),
		},
		Timeout: timeout,
	}
}
