package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/exec"
	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/state"
	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/internal/tui"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show recent runs or the state of one run",
	Long: `Without arguments, list recent runs from the run history.

With a run ID, show that run: its summary once it has finished, or the
live state of its workers while it is still running.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of runs to list")
}

func runStatus(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	if len(args) == 1 {
		return showRun(p, args[0])
	}

	db, err := p.openState()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if interrupted, err := state.NewRecoveryManager(db, exec.Alive).MarkInterrupted(); err == nil && len(interrupted) > 0 {
		for _, r := range interrupted {
			printStatus("!", fmt.Sprintf("Run %s was interrupted (owner pid %d is gone)", r.RunID, r.OwnerPID), color.FgYellow)
		}
		fmt.Println()
	}

	runs, err := db.ListRuns(statusLimit)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Println("No runs yet. Run 'fanout run <task>' to start.")
		return nil
	}

	fmt.Println("Recent runs:")
	for _, r := range runs {
		displayRun(r)
	}
	return nil
}

func displayRun(r state.Run) {
	var statusStr string
	switch r.Status {
	case state.RunActive:
		statusStr = color.CyanString("running")
	case state.RunFullSuccess:
		statusStr = color.GreenString("full success")
	case state.RunPartial:
		statusStr = color.YellowString("partial")
	case state.RunFailed:
		statusStr = color.RedString("failed")
	default:
		statusStr = string(r.Status)
	}

	elapsed := "-"
	if r.EndedAt != nil {
		elapsed = formatDuration(r.EndedAt.Sub(r.StartedAt))
	} else if r.Status == state.RunActive {
		elapsed = formatDuration(time.Since(r.StartedAt)) + "+"
	}

	fmt.Printf("  %s  %-14s %3d/%-3d %8s  %s\n",
		r.ID, statusStr, r.Completed, r.Total, elapsed, firstLine(r.Description, 50))
}

func showRun(p *project, runID string) error {
	runDir := p.runDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		return fmt.Errorf("run %s not found in %s", runID, p.path(p.cfg.Status.Root))
	}

	if run, err := orchestrator.ReadSummary(runDir); err == nil {
		printRun(run, runDir)
		return nil
	}

	store, err := status.Open(runDir)
	if err != nil {
		return err
	}
	snap, err := monitor.New(store, nil, monitor.WithStaleThreshold(p.cfg.Monitor.StaleThreshold)).Check(time.Now())
	if err != nil {
		return fmt.Errorf("read status records: %w", err)
	}
	fmt.Printf("Run %s (running)\n\n", runID)
	fmt.Print(tui.RenderWorkers(snap, 100))
	return nil
}
