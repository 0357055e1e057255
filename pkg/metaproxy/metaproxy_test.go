package metaproxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testArgs runs a sleep loop under sh with $0 set to the router id so the
// liveness check can find the id in /proc/<pid>/cmdline. A loop rather
// than a plain sleep keeps sh itself resident; sh would exec a single
// trailing command and lose the id from its argv.
func testArgs(routerID string) func(string) []string {
	return func(pidFile string) []string {
		return []string{"/bin/sh", "-c", "while :; do sleep 1; done", routerID}
	}
}

func TestEnableDisable(t *testing.T) {
	m := NewManager(t.TempDir(), "", zap.NewNop().Sugar())
	const id = "r-lifecycle"

	require.NoError(t, m.Enable(id, "", testArgs(id)))
	require.True(t, m.Active(id))

	pid, ok := m.pid(id)
	require.True(t, ok)
	require.Greater(t, pid, 0)

	require.NoError(t, m.Disable(id, ""))
	require.Eventually(t, func() bool { return !m.Active(id) },
		2*time.Second, 10*time.Millisecond)
}

func TestEnableAlreadyRunning(t *testing.T) {
	m := NewManager(t.TempDir(), "", zap.NewNop().Sugar())
	const id = "r-idem"
	t.Cleanup(func() { _ = m.Disable(id, "") })

	require.NoError(t, m.Enable(id, "", testArgs(id)))
	first, ok := m.pid(id)
	require.True(t, ok)

	require.NoError(t, m.Enable(id, "", testArgs(id)))
	second, ok := m.pid(id)
	require.True(t, ok)
	require.Equal(t, first, second, "second enable should keep the running proxy")
}

func TestDisableNeverStarted(t *testing.T) {
	m := NewManager(t.TempDir(), "", zap.NewNop().Sugar())
	require.NoError(t, m.Disable("never-started", ""))
}

func TestStalePidFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "", zap.NewNop().Sugar())
	const id = "r-stale"

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pids"), 0o755))
	pf := filepath.Join(dir, "pids", id+".pid")
	require.NoError(t, os.WriteFile(pf, []byte("999999"), 0o644))

	require.False(t, m.Active(id))
	require.NoError(t, m.Disable(id, ""))
}

func TestPidFileGarbage(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "", zap.NewNop().Sugar())
	const id = "r-garbage"

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pids"), 0o755))
	pf := filepath.Join(dir, "pids", id+".pid")
	require.NoError(t, os.WriteFile(pf, []byte("not-a-pid"), 0o644))

	_, ok := m.pid(id)
	require.False(t, ok)
	require.False(t, m.Active(id))
}
