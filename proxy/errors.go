package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// UpstreamError indicates that the forwarding attempt itself failed
// (connection refused, DNS failure, timeout). A non-2xx upstream
// response is not an UpstreamError; it is relayed verbatim.
type UpstreamError struct {
	Target string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Target, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusFor translates a forwarding failure into the client-facing
// status code: 504 for timeouts, 502 for everything else.
func StatusFor(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
