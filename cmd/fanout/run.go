package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/pkg/models"
)

var (
	runFile            string
	runAllowSequential bool
	runFlags           sessionFlags
)

var runCmd = &cobra.Command{
	Use:   "run [task description | file]",
	Short: "Decompose a task and run its sub-tasks in parallel",
	Long: `Decompose a task description into independent sub-tasks and run each
one through the agent command in its own workspace.

Every sub-task gets a git worktree on its own branch (workspace.mode:
worktree) or a plain directory (workspace.mode: dir). Progress is written
to per-worker status files under status.root/<run-id>; use 'fanout watch'
to follow a run from another terminal and 'fanout cancel' to stop it.

The run is reported as full success, partial success (at least
aggregate.partial_threshold of the sub-tasks completed) or majority
failure. Majority failure exits non-zero.

Examples:
  fanout run tasks.md
  fanout run "- [ ] add cmd/a/main.go
  - [ ] add cmd/b/main.go"
  fanout run -f tasks.md --max-workers 2 --worker-timeout 10m
  fanout run tasks.md --allow-sequential`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read the task description from a file")
	runCmd.Flags().BoolVar(&runAllowSequential, "allow-sequential", false, "Run sub-tasks one at a time when they are not independent")
	addSessionFlags(runCmd, &runFlags)
}

func addSessionFlags(cmd *cobra.Command, f *sessionFlags) {
	cmd.Flags().IntVarP(&f.maxWorkers, "max-workers", "j", 0, "Maximum concurrent workers (default: concurrency.max_workers)")
	cmd.Flags().StringVar(&f.workerTimeout, "worker-timeout", "", "Per-worker timeout, e.g. 20m (default: timeouts.worker)")
	cmd.Flags().StringVar(&f.runTimeout, "run-timeout", "", "Whole-run timeout, e.g. 2h (default: timeouts.run)")
	cmd.Flags().BoolVar(&f.noInvestigate, "no-investigate", false, "Skip the root-cause call on majority failure")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "Only print the final summary")
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}
	desc, err := readDescription(args, runFile, os.Stdin)
	if err != nil {
		return err
	}

	master, report, err := decomposeTask(p, desc, runAllowSequential)
	printReport(report)
	if err != nil {
		return err
	}
	if master.Sequential {
		printStatus("!", "Sub-tasks are not independent; running them one at a time", color.FgYellow)
	}
	if verbose {
		printMaster(master)
	}

	cs, err := newCLISession(p, runFlags)
	if err != nil {
		return err
	}
	defer cs.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if !runFlags.quiet {
		fmt.Printf("Running %d sub-task(s) of %s\n", len(master.SubTasks), master.ID)
	}
	return execute(cs, runFlags.quiet, func() (*models.OrchestrationRun, error) {
		return cs.Run(ctx, master)
	})
}
