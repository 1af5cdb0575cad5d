package devserver

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Flaque/filet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaseAcquireRelease(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	lease := NewLease(filepath.Join(dir, "dev-server.lock"))

	assert.False(t, lease.Held())
	require.NoError(t, lease.Acquire())
	assert.True(t, lease.Held())

	// second claim must observe the marker
	assert.ErrorIs(t, lease.Acquire(), ErrLeaseHeld)

	require.NoError(t, lease.Release())
	assert.False(t, lease.Held())

	// releasing an already released lease is success
	require.NoError(t, lease.Release())

	// and the path is claimable again
	require.NoError(t, lease.Acquire())
	require.NoError(t, lease.Release())
}

func TestLeaseContention(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	path := filepath.Join(dir, "dev-server.lock")

	a := NewLease(path)
	b := NewLease(path)

	require.NoError(t, a.Acquire())
	assert.ErrorIs(t, b.Acquire(), ErrLeaseHeld)

	// b releasing the marker a created is still idempotent removal
	require.NoError(t, b.Release())
	assert.False(t, a.Held())
}

func TestLeaseStaleMarker(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	path := filepath.Join(dir, "dev-server.lock")

	// a marker left behind by a crashed instance blocks acquisition;
	// the supervisor does not second-guess it
	require.NoError(t, os.WriteFile(path, []byte("99999\n"), 0644))
	lease := NewLease(path)
	assert.ErrorIs(t, lease.Acquire(), ErrLeaseHeld)
}
