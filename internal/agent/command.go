package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/fanout/internal/exec"
)

// PromptPlaceholder in CommandAgent.Args is replaced with the sub-task prompt.
const PromptPlaceholder = "{prompt}"

// maxCapture bounds how much of each output stream is kept in the Outcome.
const maxCapture = 64 * 1024

// CommandAgent runs an external command (by default the claude CLI) in the
// worker's workspace.
type CommandAgent struct {
	runner  exec.CommandRunner
	command string
	args    []string
	env     []string
	grace   time.Duration
}

// CommandOption configures a CommandAgent.
type CommandOption func(*CommandAgent)

// WithRunner sets the command runner (for testing).
func WithRunner(r exec.CommandRunner) CommandOption {
	return func(a *CommandAgent) { a.runner = r }
}

// WithEnv adds environment variables to the agent process.
func WithEnv(env ...string) CommandOption {
	return func(a *CommandAgent) { a.env = append(a.env, env...) }
}

// WithGrace sets the SIGTERM-to-kill delay on cancellation.
func WithGrace(d time.Duration) CommandOption {
	return func(a *CommandAgent) { a.grace = d }
}

// NewCommandAgent creates an agent that runs command with args.
// Any argument equal to "{prompt}" is replaced by the sub-task prompt; if none
// is, the prompt is appended.
func NewCommandAgent(command string, args []string, opts ...CommandOption) *CommandAgent {
	a := &CommandAgent{
		runner:  exec.NewRunner(),
		command: command,
		args:    append([]string(nil), args...),
		grace:   exec.DefaultGrace,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Verify CommandAgent implements Agent at compile time.
var _ Agent = (*CommandAgent)(nil)

// Execute runs the command and watches its stdout for progress and artifact lines.
func (a *CommandAgent) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.Workspace == nil || req.SubTask == nil {
		return nil, fmt.Errorf("execute: sub-task and workspace are required")
	}
	rep := reporterOrNop(req.Reporter)

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := a.buildArgs(req.SubTask.Prompt())

	pr, pw := io.Pipe()
	stdout := newTailBuffer(maxCapture)
	stderr := newTailBuffer(maxCapture)

	env := append([]string{
		"FANOUT_SUB_TASK_ID=" + req.SubTask.ID,
		"FANOUT_BRANCH=" + req.Workspace.Branch,
		"FANOUT_WORKER_ID=" + req.Workspace.WorkerID,
	}, a.env...)

	proc, err := a.runner.Start(ctx, exec.Spec{
		Dir:    req.Workspace.Path,
		Name:   a.command,
		Args:   args,
		Env:    env,
		Stdout: io.MultiWriter(stdout, pw),
		Stderr: stderr,
		Grace:  a.grace,
	})
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	rep.Started(proc.PID())

	var (
		wg       sync.WaitGroup
		artifact string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		artifact = scanOutput(pr, rep)
	}()

	waitErr := proc.Wait()
	pw.Close()
	wg.Wait()

	out := &Outcome{
		ExitCode:    proc.ExitCode(),
		ArtifactRef: artifact,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if waitErr != nil && out.ExitCode < 0 {
		return out, fmt.Errorf("agent process: %w", waitErr)
	}
	return out, nil
}

func (a *CommandAgent) buildArgs(prompt string) []string {
	args := make([]string, 0, len(a.args)+1)
	replaced := false
	for _, arg := range a.args {
		if arg == PromptPlaceholder {
			args = append(args, prompt)
			replaced = true
			continue
		}
		args = append(args, arg)
	}
	if !replaced {
		args = append(args, prompt)
	}
	return args
}

// scanOutput forwards progress hints and returns the last artifact reference seen.
func scanOutput(r io.Reader, rep Reporter) string {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var artifact string
	lastPct := 0
	for scanner.Scan() {
		ev := parseLine(scanner.Text())
		if ev.artifact != "" {
			artifact = ev.artifact
		}
		switch {
		case ev.progress >= 0:
			lastPct = ev.progress
			rep.Progress(ev.progress, ev.stage)
		case ev.stage != "":
			rep.Progress(lastPct, ev.stage)
		}
	}
	// Drain so the writer never blocks on a line too long to scan.
	_, _ = io.Copy(io.Discard, r)
	return artifact
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
	cut   bool
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.cut = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cut {
		return "[truncated]\n" + strings.TrimLeft(string(b.buf), "\n")
	}
	return string(b.buf)
}
