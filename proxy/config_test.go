package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigValidation(t *testing.T) {
	conf, err := NewConfig("http://localhost:3000", nil, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:3000", conf.Upstream.Host)
	assert.Equal(t, DefaultExcludedPrefixes, conf.ExcludedPrefixes)

	// trailing slash is the root, still valid
	_, err = NewConfig("https://render.internal/", nil, true, nil)
	require.NoError(t, err)

	for _, bad := range []string{
		"ftp://localhost:3000",
		"localhost:3000",
		"http://",
		"http://localhost:3000/app",
	} {
		_, err := NewConfig(bad, nil, false, nil)
		assert.Error(t, err, "upstream %q should be rejected", bad)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("UPSTREAM_URL", "https://render.internal:8443")
	t.Setenv("UPSTREAM_EXCLUDED_PREFIXES", "/api, /custom-auth ,/swagger-ui")
	t.Setenv("UPSTREAM_INSECURE_TLS", "true")

	conf, err := ConfigFromEnv(nil)
	require.NoError(t, err)
	assert.Equal(t, "https", conf.Upstream.Scheme)
	assert.Equal(t, "render.internal:8443", conf.Upstream.Host)
	assert.Equal(t, []string{"/api", "/custom-auth", "/swagger-ui"}, conf.ExcludedPrefixes)
	assert.True(t, conf.InsecureUpstream)
}

func TestExcludedPrefixMatching(t *testing.T) {
	conf, err := NewConfig("http://localhost:3000", []string{"/api", "/auth"}, false, nil)
	require.NoError(t, err)

	assert.True(t, conf.Excluded("/api"))
	assert.True(t, conf.Excluded("/api/technology/vuejs"))
	assert.True(t, conf.Excluded("/API/technology"))
	assert.True(t, conf.Excluded("/Auth/github"))
	assert.True(t, conf.Excluded("/apiary")) // plain prefix match, not segment-aware
	assert.False(t, conf.Excluded("/"))
	assert.False(t, conf.Excluded("/tech/vuejs"))
}
