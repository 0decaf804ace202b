package api

import (
	"context"
	"fmt"
	"strings"

	"github.com/ShayCichocki/fanout/internal/retry"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// maxListedFailures bounds how many follow-ups go into one prompt.
const maxListedFailures = 25

const investigatorSystem = `You are diagnosing a batch of parallel coding agents that mostly failed.
Each agent worked on an independent sub-task in its own git branch.
Look for a shared root cause across the failures (environment, dependency,
flaky tooling, a bad decomposition) rather than explaining each one.
Answer in at most 8 short lines of plain text. No markdown headings.`

// Investigator asks Claude for a root-cause analysis of a failed run.
type Investigator struct {
	llm    Completer
	policy retry.Policy
}

// NewInvestigator wraps a completer with the given backoff policy.
func NewInvestigator(llm Completer, policy retry.Policy) *Investigator {
	return &Investigator{llm: llm, policy: policy}
}

// Investigate returns a short analysis of the run's failures.
func (i *Investigator) Investigate(ctx context.Context, run *models.OrchestrationRun, failures []models.FollowUp) (string, error) {
	if len(failures) == 0 {
		return "", nil
	}
	prompt := BuildPrompt(run, failures)

	var analysis string
	err := i.policy.Do(ctx, "root-cause investigation", func(ctx context.Context) error {
		out, err := i.llm.Complete(ctx, investigatorSystem, prompt)
		if err != nil {
			return err
		}
		analysis = strings.TrimSpace(out)
		return nil
	})
	if err != nil {
		return "", err
	}
	return analysis, nil
}

// BuildPrompt renders the run and its failures for the investigator.
func BuildPrompt(run *models.OrchestrationRun, failures []models.FollowUp) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s: %d of %d sub-tasks failed", run.ID, run.Failed, run.Total)
	if run.TimedOut {
		b.WriteString(", the run hit its global timeout")
	}
	if run.ForcedFails > 0 {
		fmt.Fprintf(&b, ", %d worker(s) stopped sending heartbeats", run.ForcedFails)
	}
	b.WriteString(".\n\nFailures:\n")

	for n, f := range failures {
		if n == maxListedFailures {
			fmt.Fprintf(&b, "... and %d more\n", len(failures)-maxListedFailures)
			break
		}
		title := f.Title
		if title == "" {
			title = f.SubTaskID
		}
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.ErrorType.Code(), title, oneLine(f.Message, 300))
	}
	return b.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
