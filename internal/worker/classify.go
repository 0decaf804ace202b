package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// classifier patterns are matched case-insensitively against the error text
// and the tail of stderr. Order matters: the first matching rule wins.
var classifierRules = []struct {
	errType  models.ErrorType
	patterns []string
}{
	{models.ErrorVerificationTimeout, []string{
		"test timed out", "tests timed out", "verification timed out", "panic: test timed out",
	}},
	{models.ErrorExternalAPI, []string{
		"rate limit", "rate_limit", "429 too many requests", "status 429", "overloaded", "api error", "503 service unavailable",
		"connection refused", "connection reset", "econnreset", "tls handshake timeout",
	}},
	{models.ErrorResourceExhaustion, []string{
		"out of memory", "cannot allocate memory", "no space left on device",
		"too many open files", "resource temporarily unavailable", "disk quota exceeded",
	}},
	{models.ErrorWorkspaceConflict, []string{
		"merge conflict", "conflict (content)", "is already checked out", "already exists",
		"index.lock", "not a git repository",
	}},
	{models.ErrorDependencyConflict, []string{
		"eresolve", "could not resolve dependency", "version conflict", "no matching version",
		"cannot find module", "module not found", "missing go.sum entry", "unresolved import",
	}},
	{models.ErrorBuild, []string{
		"build failed", "compilation failed", "syntax error", "undefined:", "error ts",
		"cannot compile", "compile error",
	}},
	{models.ErrorVerificationFailure, []string{
		"test failed", "tests failed", "--- fail", "assertion", "verification failed", "fail\t",
	}},
}

// Classify maps an agent error and its outcome to a structured worker error.
// Either argument may be nil.
func Classify(err error, out *agent.Outcome) models.WorkerError {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return models.WorkerError{Type: models.ErrorTimeout, Message: timeoutMessage(err)}
	case errors.Is(err, agent.ErrNoArtifact):
		return models.WorkerError{Type: models.ErrorOutputValidation, Message: "agent exited 0 without producing an artifact"}
	}

	var text strings.Builder
	if err != nil {
		text.WriteString(err.Error())
		text.WriteString("\n")
	}
	if out != nil {
		text.WriteString(out.Stderr)
		text.WriteString("\n")
		text.WriteString(tail(out.Stdout, 4096))
	}
	haystack := strings.ToLower(text.String())

	msg := message(err, out)
	for _, rule := range classifierRules {
		for _, p := range rule.patterns {
			if strings.Contains(haystack, p) {
				return models.WorkerError{Type: rule.errType, Message: msg}
			}
		}
	}

	if out != nil {
		switch out.ExitCode {
		case models.ExitCodeTimeout:
			return models.WorkerError{Type: models.ErrorTimeout, Message: msg}
		case 137:
			return models.WorkerError{Type: models.ErrorResourceExhaustion, Message: msg + " (killed, possibly out of memory)"}
		}
	}
	return models.WorkerError{Type: models.ErrorUnknown, Message: msg}
}

func timeoutMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "worker canceled before completion"
	}
	return "worker exceeded its timeout"
}

// message picks the most useful single line describing the failure.
func message(err error, out *agent.Outcome) string {
	if err != nil {
		return err.Error()
	}
	if out == nil {
		return "worker failed"
	}
	if line := lastLine(out.Stderr); line != "" {
		return fmt.Sprintf("exit code %d: %s", out.ExitCode, line)
	}
	return fmt.Sprintf("exit code %d", out.ExitCode)
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			if len(l) > 200 {
				l = l[:197] + "..."
			}
			return l
		}
	}
	return ""
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
