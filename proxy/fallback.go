package proxy

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// FallbackPolicy decides which inbound requests are delegated to the
// upstream origin. Both implementations share the same Forwarder and
// relay logic; they differ only in the trigger.
type FallbackPolicy interface {
	// Wrap installs the policy around the local serving pipeline and
	// returns the handler the server should run.
	Wrap(local http.Handler) http.Handler
}

// NotFoundInterceptor forwards a request only after the local pipeline
// has finished with a 404 it never flushed. Local routes, including
// local 404s under excluded prefixes, always take precedence.
// WebSocket upgrade requests always go to the local pipeline on the
// raw ResponseWriter so registered upgrade handlers can hijack it.
type NotFoundInterceptor struct {
	fwd *Forwarder
}

// NewNotFoundInterceptor creates the 404-interception policy.
func NewNotFoundInterceptor(fwd *Forwarder) *NotFoundInterceptor {
	return &NotFoundInterceptor{fwd: fwd}
}

func (p *NotFoundInterceptor) Wrap(local http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.fwd.conf.Excluded(r.URL.Path) {
			local.ServeHTTP(w, r)
			return
		}
		if websocket.IsWebSocketUpgrade(r) {
			// an upgrade handler must hijack the raw connection; the
			// recorder cannot be hijacked, and Upgrade is hop-by-hop so
			// the forwarder could not answer an upgrade either
			local.ServeHTTP(w, r)
			return
		}
		rec := &notFoundRecorder{ResponseWriter: w}
		local.ServeHTTP(rec, r)
		if rec.committed {
			return
		}
		// Nothing was sent: either the pipeline produced an unflushed
		// 404 or no handler wrote at all. The upstream owns this URL.
		p.fwd.ServeUpstream(w, r)
	})
}

// CatchAll forwards everything unconditionally. Register it as a
// router's NotFoundHandler (or last catch-all route) on hosts where
// every unmatched request belongs to the upstream; explicit local
// routes still win by matching earlier. Excluded prefixes are checked
// here too so a deployment without earlier specific matches cannot
// silently proxy them.
type CatchAll struct {
	fwd *Forwarder
}

// NewCatchAll creates the unconditional fallback policy.
func NewCatchAll(fwd *Forwarder) *CatchAll {
	return &CatchAll{fwd: fwd}
}

func (p *CatchAll) Wrap(http.Handler) http.Handler {
	return p.Handler()
}

// Handler returns the terminal forwarding handler.
func (p *CatchAll) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p.fwd.conf.Excluded(r.URL.Path) {
			http.NotFound(w, r)
			return
		}
		p.fwd.ServeUpstream(w, r)
	})
}

// notFoundRecorder suppresses a pending 404 so the interceptor can
// replace it with the upstream's answer. Any other status, or any
// bytes written under one, commit the local response and pass through
// untouched. A suppressed 404's body and explicit flushes are
// discarded; nothing reaches the client unless the response commits.
type notFoundRecorder struct {
	http.ResponseWriter
	committed   bool
	wroteHeader bool
	suppressing bool
}

func (rec *notFoundRecorder) WriteHeader(status int) {
	if rec.wroteHeader {
		return
	}
	rec.wroteHeader = true
	if status == http.StatusNotFound {
		rec.suppressing = true
		return
	}
	rec.committed = true
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *notFoundRecorder) Write(p []byte) (int, error) {
	if !rec.wroteHeader {
		// implicit 200, same as net/http
		rec.WriteHeader(http.StatusOK)
	}
	if rec.suppressing {
		return len(p), nil
	}
	rec.committed = true
	return rec.ResponseWriter.Write(p)
}

func (rec *notFoundRecorder) Flush() {
	if rec.suppressing || !rec.committed {
		return
	}
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
