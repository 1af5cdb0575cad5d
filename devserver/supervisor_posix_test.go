//go:build !windows

package devserver

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/Flaque/filet"
	gopsprocess "github.com/shirou/gopsutil/v4/process"
	nullLog "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, command ...string) Config {
	t.Helper()
	dir := filet.TmpDir(t, "")
	logger, _ := nullLog.NewNullLogger()
	return Config{
		Command:  command,
		Dir:      dir,
		LockFile: filepath.Join(dir, "dev-server.lock"),
		Logger:   logger,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSingleSpawnAcrossSupervisors(t *testing.T) {
	defer filet.CleanUp(t)
	conf := testConfig(t, "sleep", "30")

	first := New(conf)
	require.NoError(t, first.Start())
	defer func() {
		_ = first.Stop()
	}()
	assert.Equal(t, Running, first.State())
	assert.NotZero(t, first.Pid())

	// a second host start against the same lock file must not spawn
	second := New(conf)
	assert.ErrorIs(t, second.Start(), ErrLeaseHeld)
	assert.Equal(t, Idle, second.State())
	assert.Zero(t, second.Pid())

	require.NoError(t, first.Stop())
}

func TestSelfExitReleasesLease(t *testing.T) {
	defer filet.CleanUp(t)
	conf := testConfig(t, "sh", "-c", "exit 0")

	sup := New(conf)
	require.NoError(t, sup.Start())

	select {
	case <-sup.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("dev server never exited")
	}

	assert.Equal(t, Exited, sup.State())
	assert.False(t, NewLease(conf.LockFile).Held(), "lease must be released on self-exit")

	// the path is claimable again by a fresh supervisor
	next := New(conf)
	require.NoError(t, next.Start())
	<-next.Done()
}

func TestSpawnFailureDegradesGracefully(t *testing.T) {
	defer filet.CleanUp(t)
	conf := testConfig(t, "/nonexistent/definitely-not-a-binary")

	sup := New(conf)
	require.Error(t, sup.Start())
	assert.Equal(t, Exited, sup.State())
	assert.False(t, NewLease(conf.LockFile).Held(), "lease must be released after a failed spawn")

	// Stop on a never-started supervisor is a safe no-op
	require.NoError(t, sup.Stop())
}

func TestStopKillsProcessTree(t *testing.T) {
	defer filet.CleanUp(t)
	// the child spawns a long-lived grandchild
	conf := testConfig(t, "sh", "-c", "sleep 30 & wait")

	sup := New(conf)
	require.NoError(t, sup.Start())
	pid := sup.Pid()
	require.NotZero(t, pid)

	// find the grandchild before killing
	var grandchildren []int32
	waitFor(t, 5*time.Second, func() bool {
		p, err := gopsprocess.NewProcess(int32(pid))
		if err != nil {
			return false
		}
		children, err := p.Children()
		if err != nil || len(children) == 0 {
			return false
		}
		grandchildren = grandchildren[:0]
		for _, c := range children {
			grandchildren = append(grandchildren, c.Pid)
		}
		return true
	}, "grandchild never appeared")

	require.NoError(t, sup.Stop())
	assert.Equal(t, Exited, sup.State())
	assert.False(t, NewLease(conf.LockFile).Held())

	gone := func(pid int32) func() bool {
		return func() bool {
			exists, err := gopsprocess.PidExists(pid)
			return err == nil && !exists
		}
	}
	waitFor(t, 5*time.Second, gone(int32(pid)), "child survived Stop")
	for _, gpid := range grandchildren {
		waitFor(t, 5*time.Second, gone(gpid), fmt.Sprintf("grandchild %d survived Stop", gpid))
	}

	// stopping again is a no-op
	require.NoError(t, sup.Stop())
}

func TestStopAndSelfExitRace(t *testing.T) {
	defer filet.CleanUp(t)
	conf := testConfig(t, "sh", "-c", "exit 0")

	sup := New(conf)
	require.NoError(t, sup.Start())

	// whichever of self-exit cleanup and Stop wins, both must settle
	// without error and the lease must end up released
	<-sup.Done()
	require.NoError(t, sup.Stop())
	assert.Equal(t, Exited, sup.State())
	assert.False(t, NewLease(conf.LockFile).Held())
}

func TestChildOutputTaggedLineByLine(t *testing.T) {
	defer filet.CleanUp(t)
	dir := filet.TmpDir(t, "")
	logger, hook := nullLog.NewNullLogger()
	conf := Config{
		Command:  []string{"sh", "-c", "echo line one; echo line two; echo to stderr 1>&2"},
		Dir:      dir,
		LockFile: filepath.Join(dir, "dev-server.lock"),
		Tag:      "web",
		Logger:   logger,
	}

	sup := New(conf)
	require.NoError(t, sup.Start())
	<-sup.Done()

	var stdout, stderr []string
	for _, entry := range hook.AllEntries() {
		if entry.Data["tag"] != "web" {
			continue
		}
		switch entry.Data["stream"] {
		case "stdout":
			stdout = append(stdout, entry.Message)
		case "stderr":
			stderr = append(stderr, entry.Message)
		}
	}

	assert.Equal(t, []string{"line one", "line two"}, stdout)
	assert.Equal(t, []string{"to stderr"}, stderr)
}
