package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/internal/tui"
)

var watchCmd = &cobra.Command{
	Use:   "watch [run-id]",
	Short: "Follow the progress of a run",
	Long: `Show a live view of a run's workers, refreshed every tui.refresh_rate.

The view only reads status files, so it can follow a run started by
another process. Press c to request cancellation of the run and q to quit
the view. Without a run ID the latest run is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	runID, err := p.resolveRunID(args)
	if err != nil {
		return err
	}
	runDir := p.runDir(runID)
	if _, err := os.Stat(runDir); err != nil {
		return fmt.Errorf("run %s not found in %s", runID, p.path(p.cfg.Status.Root))
	}

	store, err := status.Open(runDir)
	if err != nil {
		return err
	}
	mon := monitor.New(store, nil, monitor.WithReadOnly(), monitor.WithStaleThreshold(p.cfg.Monitor.StaleThreshold))

	summaryPath := filepath.Join(runDir, orchestrator.SummaryFileName)
	return tui.RunWatch(mon, tui.WatchOptions{
		RunID:   runID,
		Refresh: p.cfg.TUI.RefreshRate,
		Finished: func() bool {
			_, err := os.Stat(summaryPath)
			return err == nil
		},
		Cancel: func() error {
			return status.SendCancel(runDir)
		},
	})
}
