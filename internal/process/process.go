// Package process starts subprocesses in their own process group and tracks
// them so they can be torn down together on shutdown.
package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Command creates an exec.Cmd in a new process group, so that killing the
// group also reaches any children it spawns.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return KillGroup(cmd)
	}
	return cmd
}

// Run starts cmd, feeds stdin, and drains stdout and stderr concurrently
// before waiting, so large outputs cannot fill a pipe and deadlock. When pm
// is non-nil the process is tracked for its lifetime.
func Run(cmd *exec.Cmd, stdin []byte, pm *Manager) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// KillGroup sends SIGKILL to the whole process group of cmd.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// Manager tracks running subprocesses so they can all be killed on shutdown.
type Manager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (m *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[cmd.Process.Pid] = cmd
}

// Untrack forgets a subprocess.
func (m *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for pid, cmd := range m.procs {
		if err := KillGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors killing processes: %v", errs)
	}
	return nil
}

// Count returns the number of tracked processes.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
