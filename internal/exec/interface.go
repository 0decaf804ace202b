// Package exec provides an interface for running external commands.
package exec

import (
	"context"
	"io"
	"time"
)

// CommandRunner defines the interface for running external commands.
// This abstraction allows faking agent processes in tests.
type CommandRunner interface {
	// Run executes a command to completion and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// Start launches a long-running command described by spec and returns
	// immediately. Cancelling ctx sends SIGTERM to the process group and
	// kills it after spec.Grace.
	Start(ctx context.Context, spec Spec) (*Process, error)

	// LookPath reports the resolved path of an executable.
	LookPath(name string) (string, error)
}

// Spec describes a process to start.
type Spec struct {
	Dir    string
	Name   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// Grace is how long to wait after SIGTERM before killing. Defaults to 10s.
	Grace time.Duration
}
