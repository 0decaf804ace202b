package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/status"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Ask a running run to stop",
	Long: `Write the cancel signal for a run. The process that owns the run stops
its workers, fails the unfinished ones and writes the summary as usual.
Without a run ID the latest run is canceled.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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
		if _, err := os.Stat(filepath.Join(runDir, orchestrator.SummaryFileName)); err == nil {
			fmt.Printf("Run %s has already finished.\n", runID)
			return nil
		}
		if status.CancelRequested(runDir) {
			fmt.Printf("Cancellation of run %s was already requested.\n", runID)
			return nil
		}
		if err := status.SendCancel(runDir); err != nil {
			return fmt.Errorf("send cancel: %w", err)
		}
		printStatus("✓", fmt.Sprintf("Cancellation requested for run %s", runID), color.FgGreen)
		return nil
	},
}
