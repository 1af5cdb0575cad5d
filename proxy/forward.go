package proxy

import (
	"crypto/tls"
	"net/http"
	"net/url"
)

// Forwarder replays inbound requests against the upstream origin. The
// embedded http.Client and its connection pool are shared by all
// concurrent forwarded requests; the Forwarder holds no per-request
// state.
type Forwarder struct {
	conf   *Config
	client *http.Client
}

// NewForwarder creates a Forwarder for the given configuration.
func NewForwarder(conf *Config) *Forwarder {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if conf.InsecureUpstream {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Forwarder{
		conf: conf,
		client: &http.Client{
			Transport: transport,
			// do not follow redirects, and instead pass them back to the caller
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// methodTakesBody reports whether the inbound body stream should be
// attached to the outbound request.
func methodTakesBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodTrace:
		return false
	}
	return true
}

// Forward sends an outbound request mirroring r to the upstream origin
// and returns the response with its headers read but its body still
// streaming. Path and query are carried over without re-encoding so
// upstream routing sees an identical target. The body, when present,
// is passed through as a stream and never buffered.
//
// The outbound request is bound to r's context: client disconnect or
// host shutdown cancels the upstream call.
func (f *Forwarder) Forward(r *http.Request) (*http.Response, error) {
	target := f.targetFor(r.URL)

	out := &http.Request{
		Method: r.Method,
		URL:    target,
		Header: make(http.Header),
	}
	out = out.WithContext(r.Context())

	copyEndToEndHeaders(out.Header, r.Header)

	if methodTakesBody(r.Method) && r.Body != nil && r.Body != http.NoBody {
		out.Body = r.Body
		out.ContentLength = r.ContentLength
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, &UpstreamError{Target: target.String(), Err: err}
	}
	return resp, nil
}

// targetFor rebases the inbound URL onto the upstream origin. RawPath
// is carried over so the escaped form of the path survives untouched.
func (f *Forwarder) targetFor(in *url.URL) *url.URL {
	target := *f.conf.Upstream
	target.Path = in.Path
	target.RawPath = in.RawPath
	target.RawQuery = in.RawQuery
	return &target
}

// ServeUpstream forwards r and relays the result onto w, translating
// forwarding failures into 502/504. This is the shared terminal step
// for every fallback policy.
func (f *Forwarder) ServeUpstream(w http.ResponseWriter, r *http.Request) {
	resp, err := f.Forward(r)
	if err != nil {
		status := StatusFor(err)
		f.conf.logerrorf(f.conf.Upstream.String(), r.RemoteAddr, "could not forward %s %s: %v", r.Method, r.URL.Path, err)
		http.Error(w, http.StatusText(status), status)
		return
	}
	n, err := Relay(w, resp)
	f.conf.logf(f.conf.Upstream.String(), r.RemoteAddr, "forwarded %s %s: status=%d bytes=%d error=%v", r.Method, r.URL.Path, resp.StatusCode, n, err)
}
