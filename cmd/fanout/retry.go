package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/pkg/models"
)

var retryFlags sessionFlags

var retryCmd = &cobra.Command{
	Use:   "retry [run-id]",
	Short: "Re-run the failed sub-tasks of a finished run",
	Long: `Re-run every failed sub-task of a finished run as a new run.

Each retry runs under a new worker ID on a new branch (<branch>-r<attempt>),
and its status record points at the failed worker. Follow-ups of sub-tasks
that now complete are resolved. Without a run ID the latest run is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRetry,
}

func init() {
	addSessionFlags(retryCmd, &retryFlags)
}

func runRetry(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	runID, err := p.resolveRunID(args)
	if err != nil {
		return err
	}
	runDir := p.runDir(runID)

	prev, err := orchestrator.ReadSummary(runDir)
	if err != nil {
		return fmt.Errorf("run %s has no summary (still running or interrupted?): %w", runID, err)
	}
	if prev.Failed == 0 {
		fmt.Printf("Run %s has no failed sub-tasks.\n", runID)
		return nil
	}
	manifest, err := orchestrator.ReadManifest(runDir)
	if err != nil {
		return err
	}

	cs, err := newCLISession(p, retryFlags)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if !retryFlags.quiet {
		fmt.Printf("Retrying %d failed sub-task(s) of run %s\n", prev.Failed, runID)
	}
	master := manifest.MasterTask
	return execute(cs, retryFlags.quiet, func() (*models.OrchestrationRun, error) {
		return cs.RetryFailed(ctx, prev, &master)
	})
}
