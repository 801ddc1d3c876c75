// Package mcp runs tool backends as child processes and speaks the
// line-delimited JSON-RPC protocol to them over stdio.
package mcp

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// stderrRingSize bounds the retained backend stderr tail.
const stderrRingSize = 500

// stopGrace is how long a backend gets between SIGTERM and SIGKILL.
const stopGrace = 5 * time.Second

// Process is one running backend child process. Its stdin and stdout carry
// the protocol; stderr is captured into a bounded ring for diagnostics.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr *stderrRing

	waitOnce sync.Once
	waitErr  error
	done     chan struct{}
}

// StartProcess launches command with args. Extra env entries are appended to
// the inherited environment.
func StartProcess(command string, args []string, env map[string]string) (*Process, error) {
	cmd := exec.Command(command, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	ring := &stderrRing{}
	cmd.Stderr = ring

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: ring,
		done:   make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// Stdin is the pipe requests are written to.
func (p *Process) Stdin() io.Writer { return p.stdin }

// Stdout is the pipe responses are read from.
func (p *Process) Stdout() io.Reader { return p.stdout }

// StderrTail returns the most recent stderr output, at most stderrRingSize
// bytes.
func (p *Process) StderrTail() string { return p.stderr.String() }

// Done is closed when the child has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exited reports whether the child has already exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// reap waits for the child exactly once.
func (p *Process) reap() {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		close(p.done)
	})
}

// Wait blocks until the child exits and returns its exit error, if any.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Stop shuts the child down: close stdin, send SIGTERM, and escalate to
// SIGKILL if it has not exited within the grace period.
func (p *Process) Stop() error {
	_ = p.stdin.Close()

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal backend: %w", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(stopGrace):
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill backend: %w", err)
	}
	<-p.done
	return nil
}

// stderrRing keeps the last stderrRingSize bytes written to it.
type stderrRing struct {
	mu  sync.Mutex
	buf []byte
}

func (r *stderrRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, p...)
	if len(r.buf) > stderrRingSize {
		r.buf = r.buf[len(r.buf)-stderrRingSize:]
	}
	return len(p), nil
}

func (r *stderrRing) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}
