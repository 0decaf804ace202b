package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/tracker"
)

var (
	followupsRun string
	followupsAll bool
)

var followupsCmd = &cobra.Command{
	Use:   "followups",
	Short: "List follow-ups for failed sub-tasks",
	Long: `List the follow-ups recorded for failed sub-tasks.

Every failed sub-task of a run gets exactly one follow-up, keyed by its
sub-task ID. Follow-ups are resolved automatically when 'fanout retry'
completes the sub-task, or by hand with 'fanout followups resolve'.

Examples:
  fanout followups                 # open follow-ups of every run
  fanout followups --run <run-id>  # one run only
  fanout followups --all           # include resolved ones`,
	Args: cobra.NoArgs,
	RunE: runFollowups,
}

var followupsResolveCmd = &cobra.Command{
	Use:   "resolve <sub-task-id> [note]",
	Short: "Mark a follow-up resolved",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lt, err := openTrackerForCLI()
		if err != nil {
			return err
		}
		defer lt.Close()

		ctx := context.Background()
		item, err := lt.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if item == nil {
			return fmt.Errorf("no follow-up for sub-task %s", args[0])
		}
		if item.Status == tracker.StatusResolved {
			fmt.Printf("Follow-up %s is already resolved.\n", item.ExternalID)
			return nil
		}
		note := "resolved by hand"
		if len(args) == 2 {
			note = args[1]
		}
		if err := lt.Resolve(ctx, args[0], note); err != nil {
			return err
		}
		printStatus("✓", fmt.Sprintf("Resolved %s (%s)", item.ExternalID, args[0]), color.FgGreen)
		return nil
	},
}

func init() {
	followupsCmd.Flags().StringVar(&followupsRun, "run", "", "Only show follow-ups of this run")
	followupsCmd.Flags().BoolVar(&followupsAll, "all", false, "Include resolved follow-ups")
	followupsCmd.AddCommand(followupsResolveCmd)
}

func openTrackerForCLI() (*tracker.LocalTracker, error) {
	p, err := loadProject()
	if err != nil {
		return nil, err
	}
	lt, err := p.openTracker()
	if err != nil {
		return nil, fmt.Errorf("open follow-up tracker: %w", err)
	}
	return lt, nil
}

func runFollowups(cmd *cobra.Command, args []string) error {
	lt, err := openTrackerForCLI()
	if err != nil {
		return err
	}
	defer lt.Close()

	items, err := lt.List(context.Background(), followupsRun, !followupsAll)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("No follow-ups.")
		return nil
	}

	for _, it := range items {
		mark := color.RedString("○")
		if it.Status == tracker.StatusResolved {
			mark = color.GreenString("●")
		}
		title := it.Title
		if title == "" {
			title = it.SubTaskID
		}
		fmt.Printf("%s %-8s %s\n", mark, it.ExternalID, title)
		fmt.Printf("    sub-task: %s  run: %s  worker: %s\n", it.SubTaskID, it.RunID, it.WorkerID)
		fmt.Printf("    %s: %s\n", it.ErrorType, firstLine(it.Message, 100))
		if it.OutputRef != "" {
			fmt.Printf("    output: %s\n", it.OutputRef)
		}
		if it.Status == tracker.StatusResolved && it.Resolution != "" {
			fmt.Printf("    resolved: %s\n", strings.TrimSpace(it.Resolution))
		}
	}
	return nil
}
