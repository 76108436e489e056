// Package midid manages the native MIDI port server process. The daemon
// talks to it over localhost HTTP; this package starts it when a binary
// path is configured, tracks its PID, and reports its health.
package midid

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/midimesh/midimesh/internal/portserver"
)

// Status describes the native server process.
type Status struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Port    int    `json:"port"`
	Address string `json:"address"`
}

// Manager supervises the native server process.
type Manager struct {
	port    int
	binPath string
	pidPath string
	logf    func(format string, args ...any)

	mu  sync.Mutex
	cmd *exec.Cmd
}

// New creates a manager. binPath may be empty, in which case the process
// is assumed to be externally managed and only health reporting works.
func New(dataDir, binPath string, port int, logf func(format string, args ...any)) *Manager {
	return &Manager{
		port:    port,
		binPath: binPath,
		pidPath: filepath.Join(dataDir, "midid.pid"),
		logf:    logf,
	}
}

// Address is the localhost address the native server listens on.
func (m *Manager) Address() string {
	return fmt.Sprintf("127.0.0.1:%d", m.port)
}

// Resolve implements the local client resolver, returning the native
// server's base URL. It fails while the server is not reachable so
// callers see ErrServerUnavailable semantics instead of dial errors.
func (m *Manager) Resolve() (string, error) {
	if !m.probe() {
		return "", fmt.Errorf("native midi server not reachable on %s: %w", m.Address(), portserver.ErrServerUnavailable)
	}
	return "http://" + m.Address(), nil
}

// probe hits the native server's health endpoint.
func (m *Manager) probe() bool {
	ctx, cancel := context.WithTimeout(context.Background(), portserver.DefaultProbeTimeout)
	defer cancel()
	_, err := portserver.NewHTTPClient(m.Address()).Health(ctx)
	return err == nil
}

// Status reports whether the native server is up, and its PID if this
// manager started it.
func (m *Manager) Status() Status {
	st := Status{
		Port:    m.port,
		Address: m.Address(),
		Running: m.probe(),
	}
	if pid, err := m.readPID(); err == nil && processAlive(pid) {
		st.PID = pid
	}
	return st
}

// Start launches the native server if a binary is configured and it is
// not already reachable. Waits briefly for it to come up.
func (m *Manager) Start(ctx context.Context) error {
	if m.probe() {
		return nil
	}
	if m.binPath == "" {
		return fmt.Errorf("native midi server not running and no binary configured")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := exec.Command(m.binPath, "--port", strconv.Itoa(m.port))
	cmd.Env = os.Environ()
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start native midi server: %w", err)
	}
	m.cmd = cmd
	if err := m.writePID(cmd.Process.Pid); err != nil {
		m.logf("midid: write pid file: %v", err)
	}
	go func() { _ = cmd.Wait() }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.probe() {
			m.logf("midid: native server up on %s (pid %d)", m.Address(), cmd.Process.Pid)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("native midi server did not become ready on %s", m.Address())
}

// Stop terminates the native server if this manager started it.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pid, err := m.readPID()
	if err != nil {
		return nil
	}
	if !processAlive(pid) {
		_ = os.Remove(m.pidPath)
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find native midi server process: %w", err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal native midi server: %w", err)
	}
	_ = os.Remove(m.pidPath)
	m.cmd = nil
	return nil
}

func (m *Manager) writePID(pid int) error {
	if err := os.MkdirAll(filepath.Dir(m.pidPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.pidPath, []byte(strconv.Itoa(pid)), 0644)
}

func (m *Manager) readPID() (int, error) {
	data, err := os.ReadFile(m.pidPath)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(data))
}

// processAlive reports whether a PID names a live process. On Unix
// FindProcess always succeeds, so signal 0 does the real check.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
