package decompose

import (
	"errors"
	"fmt"
	"strings"
)

// ErrTooManySubTasks is returned when the parsed list exceeds Options.MaxSubTasks.
var ErrTooManySubTasks = errors.New("too many sub-tasks")

// ParseError is returned when no sub-tasks could be parsed from the description.
// It is fatal: nothing is spawned.
type ParseError struct {
	Reason  string
	Skipped int
}

func (e *ParseError) Error() string {
	if e.Skipped > 0 {
		return fmt.Sprintf("parse task description: %s (%d item(s) already done)", e.Reason, e.Skipped)
	}
	return "parse task description: " + e.Reason
}

// ValidationError is returned when the sub-tasks are not safe to run in parallel.
// It is fatal unless the caller opts into a sequential run.
type ValidationError struct {
	Report *Report
}

func (e *ValidationError) Error() string {
	var parts []string
	if n := len(e.Report.Conflicts); n > 0 {
		parts = append(parts, fmt.Sprintf("%d file conflict(s)", n))
	}
	if n := len(e.Report.Dependencies); n > 0 {
		parts = append(parts, fmt.Sprintf("%d dependency flag(s)", n))
	}
	if n := len(e.Report.Imbalances); n > 0 {
		parts = append(parts, fmt.Sprintf("%d size imbalance(s)", n))
	}
	return "sub-tasks are not independent: " + strings.Join(parts, ", ")
}
