package proxy

import (
	"net/http"
	"net/textproto"
)

// hopByHopHeaders are scoped to a single transport connection and must
// never be copied between the client-facing and upstream-facing sides
// of a relayed exchange.
var hopByHopHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Proxy-Connection":  {},
	"Transfer-Encoding": {},
	"Upgrade":           {},
}

// IsHopByHop reports whether the named header is connection-scoped.
// Header names are case-insensitive on the wire.
func IsHopByHop(name string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// copyEndToEndHeaders copies every header from src to dst except the
// hop-by-hop set. Values are copied verbatim, multi-valued headers
// included.
func copyEndToEndHeaders(dst, src http.Header) {
	for name, values := range src {
		if IsHopByHop(name) {
			continue
		}
		dst[name] = values
	}
}
