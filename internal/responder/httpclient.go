package responder

import (
	"net/http"
	"time"
)

const defaultHTTPTimeout = 60 * time.Second

// newHTTPClient returns the shared client shape used by all API responders.
func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &http.Client{Timeout: timeout}
}
