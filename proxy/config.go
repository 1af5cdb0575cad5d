// Package proxy forwards requests that the local pipeline declined to
// handle to the frontend rendering server, relaying headers and bodies
// without buffering.
//
// browser ----> [ gateway ] ----> SSR origin (node)
//
// Local routes always win; the upstream owns everything else.
package proxy

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	nullLog "github.com/sirupsen/logrus/hooks/test"
)

// DefaultExcludedPrefixes are the path roots that must always be served
// locally and never proxied: the API itself, authentication, identity
// management and the API metadata pages.
var DefaultExcludedPrefixes = []string{"/api", "/auth", "/ss_admin", "/metadata"}

// Config contains the run time parameters for the forwarding layer.
// Create once at startup and share by reference; it is never mutated
// after construction.
type Config struct {
	// Upstream is the base address of the rendering server. Scheme must
	// be http or https and the path must be empty or "/".
	Upstream *url.URL

	// ExcludedPrefixes are path prefixes (compared case-insensitively)
	// that are never forwarded, regardless of local routing outcome.
	ExcludedPrefixes []string

	// InsecureUpstream skips TLS certificate verification toward the
	// upstream. Development convenience only.
	InsecureUpstream bool

	// Logger is used to log forwarding events.
	Logger *logrus.Logger
}

// NewConfig validates the upstream address and applies defaults.
func NewConfig(upstream string, excludedPrefixes []string, insecure bool, logger *logrus.Logger) (*Config, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url %q: %w", upstream, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("upstream url %q must use http or https", upstream)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream url %q has no host", upstream)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("upstream url %q must not have a path component", upstream)
	}
	u.Path = ""
	if excludedPrefixes == nil {
		excludedPrefixes = DefaultExcludedPrefixes
	}
	if logger == nil {
		logger, _ = nullLog.NewNullLogger()
	}
	return &Config{
		Upstream:         u,
		ExcludedPrefixes: excludedPrefixes,
		InsecureUpstream: insecure,
		Logger:           logger,
	}, nil
}

// ConfigFromEnv builds a Config from UPSTREAM_URL,
// UPSTREAM_EXCLUDED_PREFIXES (comma separated) and
// UPSTREAM_INSECURE_TLS.
func ConfigFromEnv(logger *logrus.Logger) (*Config, error) {
	upstream := os.Getenv("UPSTREAM_URL")
	if upstream == "" {
		upstream = "http://localhost:3000"
	}
	var prefixes []string
	if raw := os.Getenv("UPSTREAM_EXCLUDED_PREFIXES"); raw != "" {
		for _, p := range strings.Split(raw, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				prefixes = append(prefixes, p)
			}
		}
	}
	insecure := os.Getenv("UPSTREAM_INSECURE_TLS") == "true"
	return NewConfig(upstream, prefixes, insecure, logger)
}

// Excluded returns true if the request path matches or extends one of
// the configured excluded prefixes. Comparison is case-insensitive.
func (c *Config) Excluded(path string) bool {
	for _, prefix := range c.ExcludedPrefixes {
		if len(path) >= len(prefix) && strings.EqualFold(path[:len(prefix)], prefix) {
			return true
		}
	}
	return false
}

// forwarding log utilities

func (c *Config) logf(target string, remoteAddr string, format string, v ...interface{}) {
	c.Logger.WithFields(logrus.Fields{
		"upstream":    target,
		"remote-addr": remoteAddr,
	}).Printf(format, v...)
}

func (c *Config) logerrorf(target string, remoteAddr string, format string, v ...interface{}) {
	c.Logger.WithFields(logrus.Fields{
		"upstream":    target,
		"remote-addr": remoteAddr,
	}).Errorf(format, v...)
}
