package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/ShayCichocki/fanout/internal/decompose"
	"github.com/ShayCichocki/fanout/pkg/models"
)

func bandColor(b models.Band) color.Attribute {
	switch b {
	case models.BandFullSuccess:
		return color.FgGreen
	case models.BandPartialSuccess:
		return color.FgYellow
	default:
		return color.FgRed
	}
}

func bandLabel(b models.Band) string {
	switch b {
	case models.BandFullSuccess:
		return "full success"
	case models.BandPartialSuccess:
		return "partial success"
	case models.BandMajorityFailure:
		return "majority failure"
	default:
		return string(b)
	}
}

// printRun prints the summary of a finished run.
func printRun(run *models.OrchestrationRun, runDir string) {
	fmt.Println()
	c := color.New(bandColor(run.Band), color.Bold)
	fmt.Printf("%s  %d/%d completed (%.0f%%)\n", c.Sprint(strings.ToUpper(bandLabel(run.Band))), run.Completed, run.Total, run.SuccessRate*100)
	fmt.Printf("  Run:       %s\n", run.ID)
	fmt.Printf("  Duration:  %s\n", formatDuration(run.WallClock()))
	if run.Speedup > 0 {
		fmt.Printf("  Speedup:   %.1fx\n", run.Speedup)
	}
	if run.Sequential {
		fmt.Println("  Mode:      sequential")
	}
	if run.TimedOut {
		fmt.Println(color.YellowString("  Run timed out; unfinished workers were failed."))
	}
	if run.Canceled {
		fmt.Println(color.YellowString("  Run was canceled."))
	}
	if run.ForcedFails > 0 {
		fmt.Printf("  Forced:    %d worker(s) failed by the monitor\n", run.ForcedFails)
	}

	if len(run.FollowUps) > 0 {
		fmt.Println()
		fmt.Println("Follow-ups:")
		for _, f := range run.FollowUps {
			title := f.Title
			if title == "" {
				title = f.SubTaskID
			}
			fmt.Printf("  %s %s\n", color.RedString("✗"), title)
			fmt.Printf("      %s: %s\n", f.ErrorType, firstLine(f.Message, 100))
			if f.OutputRef != "" {
				fmt.Printf("      output: %s\n", f.OutputRef)
			}
		}
	}

	if run.Diagnostics != "" {
		fmt.Println()
		fmt.Println("Diagnostics:")
		for _, line := range strings.Split(strings.TrimRight(run.Diagnostics, "\n"), "\n") {
			fmt.Printf("  %s\n", line)
		}
	}

	if runDir != "" {
		fmt.Println()
		fmt.Printf("Summary: %s\n", runDir)
	}
	if run.Failed > 0 {
		fmt.Printf("Retry failed sub-tasks with: fanout retry %s\n", run.ID)
	}
}

// printMaster lists the sub-tasks of a decomposed master task.
func printMaster(m *models.MasterTask) {
	mode := "parallel"
	if m.Sequential {
		mode = "sequential"
	}
	fmt.Printf("Master task %s: %d sub-task(s), %s\n", m.ID, len(m.SubTasks), mode)
	for _, st := range m.SubTasks {
		fmt.Printf("  %2d. %s\n", st.Index, st.Title)
		fmt.Printf("      branch: %s\n", st.Branch)
		if len(st.Files) > 0 {
			fmt.Printf("      files:  %s\n", strings.Join(st.Files, ", "))
		}
		if verbose && len(st.AcceptanceCriteria) > 0 {
			for _, c := range st.AcceptanceCriteria {
				fmt.Printf("      - %s\n", c)
			}
		}
	}
}

// printReport prints what validation flagged. Nothing is printed for a
// clean report without warnings.
func printReport(r *decompose.Report) {
	if r == nil {
		return
	}
	for _, c := range r.Conflicts {
		printStatus("✗", fmt.Sprintf("%s and %s both touch %s", c.A, c.B, strings.Join(c.Paths, ", ")), color.FgRed)
	}
	for _, d := range r.Dependencies {
		printStatus("✗", fmt.Sprintf("%s depends on another sub-task (%q)", d.SubTaskID, d.Phrase), color.FgRed)
	}
	for _, im := range r.Imbalances {
		printStatus("✗", fmt.Sprintf("%s is much larger than the rest (complexity %d, median %.1f)", im.SubTaskID, im.Complexity, im.Median), color.FgRed)
	}
	for _, w := range r.Warnings {
		printStatus("!", w, color.FgYellow)
	}
	if r.Skipped > 0 {
		printStatus("·", fmt.Sprintf("%d item(s) already marked done were skipped", r.Skipped), color.FgWhite)
	}
}
