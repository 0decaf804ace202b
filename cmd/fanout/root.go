package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
)

// CheckAgentCLI verifies that the agent command is available in PATH.
func CheckAgentCLI(command string) error {
	if _, err := exec.LookPath(command); err != nil {
		return fmt.Errorf("agent command %q not found in PATH\n\n"+
			"fanout runs every sub-task through an external agent CLI.\n"+
			"Install the Claude Code CLI with:\n"+
			"  npm install -g @anthropic-ai/claude-code\n\n"+
			"or point agent.command at another executable:\n"+
			"  fanout config agent.command <path>", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Parallel sub-task orchestrator",
	Long: `fanout splits a task description into independent sub-tasks and runs
each one in its own workspace through an agent CLI, in parallel.

Workers report progress through per-worker status files. A monitor fails
workers whose heartbeat goes stale, and the results are aggregated into a
run summary with a success band and follow-ups for every failed sub-task.

Typical flow:
  fanout plan tasks.md      # check how the task decomposes
  fanout run tasks.md       # run it
  fanout watch              # follow the latest run from another terminal
  fanout retry <run-id>     # re-run only the failed sub-tasks`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config plus .fanout.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(followupsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
