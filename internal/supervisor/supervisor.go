package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// A single output line is forwarded in segments of at most this size.
const maxLineBytes = 64 * 1024

// Spec describes one child process to launch.
type Spec struct {
	Command string
	Dir     string
	Env     []string
	// Stdout and Stderr receive each output line as it arrives, in
	// order per stream; very long lines arrive as several calls.
	// Either may be nil.
	Stdout func(line string)
	Stderr func(line string)
}

// ExitStatus is the terminal outcome of a child process.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Supervisor launches operator commands through the shell and owns the
// resulting child processes.
type Supervisor struct {
	shell  string
	logger *slog.Logger
}

// New returns a Supervisor that spawns commands via `shell -c`.
func New(shell string, logger *slog.Logger) *Supervisor {
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Supervisor{shell: shell, logger: logger}
}

// Start launches spec.Command in its own process group and begins
// pumping output lines to the spec sinks. It returns as soon as the
// shell is running; the command proceeds in the background and its
// outcome is delivered through the handle.
func (s *Supervisor) Start(spec Spec) (*Handle, error) {
	cmd := exec.Command(s.shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	// Own process group, so Kill reaches the shell's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}

	h := &Handle{
		cmd:    cmd,
		exitCh: make(chan ExitStatus, 1),
		logger: s.logger,
	}

	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		pumpLines(stdout, spec.Stdout)
	}()
	go func() {
		defer pumps.Done()
		pumpLines(stderr, spec.Stderr)
	}()
	go func() {
		// Wait must not run before both pipes are drained.
		pumps.Wait()
		h.finish(cmd.Wait())
	}()

	return h, nil
}

// pumpLines forwards each line read from r to sink until r is
// exhausted. A line longer than maxLineBytes reaches the sink in
// multiple segments; the pump always drains the pipe to the end.
func pumpLines(r io.Reader, sink func(string)) {
	reader := bufio.NewReaderSize(r, maxLineBytes)
	for {
		line, _, err := reader.ReadLine()
		if err != nil {
			return
		}
		if sink != nil {
			sink(string(line))
		}
	}
}

// Handle owns one spawned child process. The handle turns inert once the
// process exits; Kill on an inert handle is a no-op.
type Handle struct {
	cmd    *exec.Cmd
	exitCh chan ExitStatus
	logger *slog.Logger

	mu   sync.Mutex
	done bool
}

// Pid returns the process id of the spawned shell.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Exit delivers the terminal exit status exactly once, then closes.
func (h *Handle) Exit() <-chan ExitStatus {
	return h.exitCh
}

// Kill sends SIGTERM to the child's process group. Killing an already
// exited process is harmless.
func (h *Handle) Kill() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done {
		return
	}
	// Negative pid addresses the whole process group.
	err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGTERM)
	if err != nil && !errors.Is(err, syscall.ESRCH) && h.logger != nil {
		h.logger.Warn("failed to signal process group", "pid", h.cmd.Process.Pid, "error", err)
	}
}

// finish records the exit status and delivers it. Called exactly once,
// after both output pipes have drained.
func (h *Handle) finish(waitErr error) {
	status := exitStatus(h.cmd, waitErr)

	h.mu.Lock()
	h.done = true
	h.mu.Unlock()

	h.exitCh <- status
	close(h.exitCh)
}

func exitStatus(cmd *exec.Cmd, waitErr error) ExitStatus {
	state := cmd.ProcessState
	if state == nil {
		// Wait failed before the process was reaped.
		return ExitStatus{Code: -1}
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signal: unix.SignalName(ws.Signal())}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return ExitStatus{Code: -1}
	}
	return ExitStatus{Code: state.ExitCode()}
}
