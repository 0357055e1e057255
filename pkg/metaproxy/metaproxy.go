// Package metaproxy supervises the per-router metadata proxy processes.
// Each proxy is tracked through a pid file under the agent's state
// directory; liveness is judged by the router id showing up in the
// process's command line, so a recycled pid is not mistaken for a running
// proxy.
package metaproxy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Manager starts and stops metadata proxies. Safe for use from a single
// goroutine; the agent's task loop is the only caller.
type Manager struct {
	stateDir   string
	rootHelper string
	log        *zap.SugaredLogger
}

func NewManager(stateDir, rootHelper string, log *zap.SugaredLogger) *Manager {
	return &Manager{
		stateDir:   stateDir,
		rootHelper: rootHelper,
		log:        log.Named("metaproxy"),
	}
}

// Enable starts a proxy for the router unless one is already running. args
// receives the pid file path and returns the full command line; the
// command is run inside the router's namespace when one is given.
func (m *Manager) Enable(routerID, namespace string, args func(pidFile string) []string) error {
	if m.Active(routerID) {
		return nil
	}

	pf := m.pidFile(routerID)
	if err := os.MkdirAll(filepath.Dir(pf), 0o755); err != nil {
		return fmt.Errorf("creating pid dir: %w", err)
	}

	argv := args(pf)
	if namespace != "" {
		argv = append([]string{"ip", "netns", "exec", namespace}, argv...)
	}
	if m.rootHelper != "" {
		argv = append(strings.Fields(m.rootHelper), argv...)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting metadata proxy for router %s: %w", routerID, err)
	}
	pid := cmd.Process.Pid
	go cmd.Wait() // reap on exit

	if err := os.WriteFile(pf, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing pid file %s: %w", pf, err)
	}
	m.log.Infow("metadata proxy started", "router", routerID, "pid", pid, "namespace", namespace)
	return nil
}

// Disable kills the router's proxy if it is still the process the pid file
// points at. A stale or missing pid file is a no-op.
func (m *Manager) Disable(routerID, namespace string) error {
	pid, ok := m.pid(routerID)
	switch {
	case ok && m.Active(routerID):
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			return fmt.Errorf("killing metadata proxy pid %d: %w", pid, err)
		}
		m.log.Infow("metadata proxy stopped", "router", routerID, "pid", pid)
	case ok:
		m.log.Debugw("metadata proxy already gone", "router", routerID, "pid", pid)
	default:
		m.log.Debugw("no metadata proxy started", "router", routerID)
	}
	return nil
}

// Active reports whether the pid on file is alive and still belongs to
// this router.
func (m *Manager) Active(routerID string) bool {
	pid, ok := m.pid(routerID)
	if !ok {
		return false
	}
	cmdline, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(cmdline), routerID)
}

func (m *Manager) pidFile(routerID string) string {
	return filepath.Join(m.stateDir, "pids", routerID+".pid")
}

func (m *Manager) pid(routerID string) (int, bool) {
	raw, err := os.ReadFile(m.pidFile(routerID))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}
