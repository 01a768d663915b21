// Package video manages a continuously rotating external encoder and
// assembles event captures from its segment files.
package video

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Process is a handle to a launched encoder process.
type Process interface {
	// Exited reports whether the process has exited and its exit code.
	Exited() (bool, int)

	// Wait blocks until the process exits. Returns an error for a
	// non-zero exit.
	Wait() error

	// Stderr returns the tail of captured stderr output.
	Stderr() string

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill force-kills the process.
	Kill() error
}

// Runner launches external processes. Tests substitute a fake so no
// encoder is ever spawned.
type Runner interface {
	Start(name string, args []string) (Process, error)
}

// ExecRunner runs real processes via os/exec.
type ExecRunner struct{}

// Start launches the named program with stderr tail capture.
func (ExecRunner) Start(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	tail := &tailBuffer{limit: 4096}
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &execProcess{cmd: cmd, tail: tail, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		} else if err != nil {
			p.exitCode = -1
		}
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	tail *tailBuffer
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

func (p *execProcess) Exited() (bool, int) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return true, p.exitCode
	default:
		return false, 0
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	p.mu.Lock()
	code := p.exitCode
	p.mu.Unlock()
	if code != 0 {
		return fmt.Errorf("process exited with code %d: %s", code, p.tail.String())
	}
	return nil
}

func (p *execProcess) Stderr() string { return p.tail.String() }

func (p *execProcess) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if len(t.buf) > t.limit {
		t.buf = t.buf[len(t.buf)-t.limit:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
