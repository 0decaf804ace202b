// Package agent defines the boundary between fanout and the external agent
// that does the actual work for a sub-task.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// ErrNoArtifact is returned by a WorkspaceProvider when the workspace holds
// nothing that could be referenced as the sub-task's output.
var ErrNoArtifact = errors.New("no artifact produced")

// Reporter receives non-authoritative hints from a running agent.
type Reporter interface {
	// Started is called once the agent process exists.
	Started(pid int)
	// Progress reports a percentage (0-100) and a short stage label.
	Progress(pct int, stage string)
}

// Request is one agent invocation.
type Request struct {
	SubTask   *models.SubTask
	Workspace *Workspace
	Timeout   time.Duration
	Reporter  Reporter
}

// Outcome is what the agent returned.
type Outcome struct {
	ExitCode int
	// ArtifactRef is set when the agent names its own output (a PR URL, a commit).
	ArtifactRef string
	Stdout      string
	Stderr      string
}

// Agent executes one sub-task in one workspace.
//
// Execute returns an error only when the agent could not be run to completion
// (it failed to start, or ctx ended). A non-zero exit is reported through
// Outcome.ExitCode with a nil error.
type Agent interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}

// Func adapts a function to the Agent interface.
type Func func(ctx context.Context, req Request) (*Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, req Request) (*Outcome, error) {
	return f(ctx, req)
}

// Verify Func implements Agent at compile time.
var _ Agent = Func(nil)

type nopReporter struct{}

func (nopReporter) Started(int)          {}
func (nopReporter) Progress(int, string) {}

// reporterOrNop never returns nil.
func reporterOrNop(r Reporter) Reporter {
	if r == nil {
		return nopReporter{}
	}
	return r
}
