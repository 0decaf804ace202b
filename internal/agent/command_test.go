//go:build !windows

package agent

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

type recordingReporter struct {
	mu       sync.Mutex
	pid      int
	progress []int
	stages   []string
}

func (r *recordingReporter) Started(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pid = pid
}

func (r *recordingReporter) Progress(pct int, stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, pct)
	r.stages = append(r.stages, stage)
}

func shellAgent(t *testing.T, script string) *CommandAgent {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	// The prompt lands in $0 of the script.
	return NewCommandAgent("sh", []string{"-c", script, PromptPlaceholder}, WithGrace(200*time.Millisecond))
}

func testRequest(t *testing.T) Request {
	return Request{
		SubTask:   &models.SubTask{ID: "m-01", Title: "Add parser"},
		Workspace: &Workspace{Path: t.TempDir(), Branch: "fanout/run/01-add-parser", WorkerID: "w-1"},
	}
}

func TestCommandAgent_ProgressAndArtifact(t *testing.T) {
	a := shellAgent(t, `
echo "starting $0"
echo "FANOUT_PROGRESS 30 reading"
echo "stage only line" >&2
echo "FANOUT_PROGRESS 90 testing"
echo "FANOUT_ARTIFACT $FANOUT_BRANCH@deadbeef"
`)
	rep := &recordingReporter{}
	req := testRequest(t)
	req.Reporter = rep

	out, err := a.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
	if out.ArtifactRef != "fanout/run/01-add-parser@deadbeef" {
		t.Errorf("ArtifactRef = %q", out.ArtifactRef)
	}
	if !strings.Contains(out.Stdout, "starting Add parser") {
		t.Errorf("Stdout = %q, want the prompt echoed", out.Stdout)
	}
	if !strings.Contains(out.Stderr, "stage only line") {
		t.Errorf("Stderr = %q", out.Stderr)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if rep.pid <= 0 {
		t.Errorf("Started pid = %d", rep.pid)
	}
	if len(rep.progress) != 2 || rep.progress[0] != 30 || rep.progress[1] != 90 {
		t.Errorf("progress = %v, want [30 90]", rep.progress)
	}
}

func TestCommandAgent_NonZeroExit(t *testing.T) {
	a := shellAgent(t, `echo "npm ERR! build failed" >&2; exit 3`)

	out, err := a.Execute(context.Background(), testRequest(t))
	if err != nil {
		t.Fatalf("Execute() error = %v, want nil for a non-zero exit", err)
	}
	if out.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", out.ExitCode)
	}
	if out.ArtifactRef != "" {
		t.Errorf("ArtifactRef = %q, want empty", out.ArtifactRef)
	}
}

func TestCommandAgent_Timeout(t *testing.T) {
	a := shellAgent(t, `sleep 10`)
	req := testRequest(t)
	req.Timeout = 100 * time.Millisecond

	start := time.Now()
	_, err := a.Execute(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want DeadlineExceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Execute() took %v after timeout", elapsed)
	}
}

func TestCommandAgent_StartFailure(t *testing.T) {
	a := NewCommandAgent("fanout-definitely-not-a-binary", nil)
	if _, err := a.Execute(context.Background(), testRequest(t)); err == nil {
		t.Error("Execute() with missing binary should fail")
	}
}

func TestCommandAgent_RequiresWorkspace(t *testing.T) {
	a := NewCommandAgent("true", nil)
	if _, err := a.Execute(context.Background(), Request{SubTask: &models.SubTask{ID: "x"}}); err == nil {
		t.Error("Execute() without workspace should fail")
	}
}

func TestBuildArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"placeholder", []string{"-p", "{prompt}", "--output-format", "text"}, []string{"-p", "do it", "--output-format", "text"}},
		{"appended", []string{"--print"}, []string{"--print", "do it"}},
		{"empty", nil, []string{"do it"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewCommandAgent("claude", tt.args)
			got := a.buildArgs("do it")
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("buildArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123"))
	if b.String() != "0123" {
		t.Errorf("String() = %q", b.String())
	}
	_, _ = b.Write([]byte("456789ab"))
	got := b.String()
	if !strings.HasPrefix(got, "[truncated]") || !strings.HasSuffix(got, "456789ab") {
		t.Errorf("String() = %q, want truncated tail", got)
	}
}
