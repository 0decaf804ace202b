package exec

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// DefaultGrace is the SIGTERM-to-SIGKILL delay used when Spec.Grace is zero.
const DefaultGrace = 10 * time.Second

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// NewRunner creates a new ExecRunner.
func NewRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes a command and returns combined stdout/stderr output.
func (r *ExecRunner) Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if workDir != "" {
		cmd.Dir = workDir
	}
	return cmd.CombinedOutput()
}

// Start launches the command in its own process group.
func (r *ExecRunner) Start(ctx context.Context, spec Spec) (*Process, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	grace := spec.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return terminateGroup(cmd.Process) }
	cmd.WaitDelay = grace

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	p := &Process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// LookPath reports the resolved path of an executable.
func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Verify ExecRunner implements CommandRunner at compile time.
var _ CommandRunner = (*ExecRunner)(nil)

// Process is a started command.
type Process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	termOnce sync.Once
}

// PID returns the operating system process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its error.
// It may be called more than once.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// ExitCode returns the exit code, or -1 if the process has not exited or was
// killed by a signal.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
	default:
		return -1
	}
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// Terminate sends SIGTERM to the process group, then kills it after grace
// if it is still running.
func (p *Process) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		_ = terminateGroup(p.cmd.Process)
		go func() {
			select {
			case <-p.done:
			case <-time.After(grace):
				_ = killGroup(p.cmd.Process)
			}
		}()
	})
}

// Alive reports whether a process with the given PID exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return processAlive(pid)
}
