package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/exec"
	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/state"
)

var (
	cleanupForce  bool
	cleanupDryRun bool
	cleanupRuns   bool
	cleanupMaxAge time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees and old runs",
	Long: `Clean up orphaned git worktrees and old run data.

This command:
  - Marks runs whose owning process died as interrupted
  - Removes fanout worktrees not held by a running process
  - Runs git worktree prune

With --runs:
  - Deletes finished runs older than --max-age from the run history
  - Removes their status directories

Use this after a crash or interrupted run to clean up.

Examples:
  fanout cleanup              # Interactive cleanup with confirmation
  fanout cleanup --force      # Skip confirmation prompt
  fanout cleanup --dry-run    # Show what would be removed
  fanout cleanup --runs       # Also purge runs older than 30 days`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupRuns, "runs", false, "Purge finished runs older than --max-age")
	cleanupCmd.Flags().DurationVar(&cleanupMaxAge, "max-age", 30*24*time.Hour, "Age after which finished runs are purged")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	p, err := loadProject()
	if err != nil {
		return err
	}

	db, err := p.openState()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rm := state.NewRecoveryManager(db, exec.Alive)
	if cleanupDryRun {
		interrupted, err := rm.CheckForInterrupted()
		if err != nil {
			return err
		}
		for _, r := range interrupted {
			fmt.Printf("Would mark run %s interrupted (owner pid %d is gone)\n", r.RunID, r.OwnerPID)
		}
	} else {
		interrupted, err := rm.MarkInterrupted()
		if err != nil {
			return err
		}
		for _, r := range interrupted {
			fmt.Printf("Marked run %s interrupted (owner pid %d is gone)\n", r.RunID, r.OwnerPID)
		}
	}

	if p.inGit && p.cfg.Workspace.Mode == "worktree" {
		if err := cleanupWorktrees(p, db); err != nil {
			return err
		}
	}

	if cleanupRuns {
		return cleanupOldRuns(p, db)
	}
	return nil
}

func cleanupWorktrees(p *project, db *state.DB) error {
	active, err := db.ListRunsByStatus(state.RunActive)
	if err != nil {
		return fmt.Errorf("list active runs: %w", err)
	}
	if len(active) > 0 {
		fmt.Printf("%d run(s) are still active; skipping worktree cleanup.\n", len(active))
		return nil
	}

	wtManager, err := agent.NewWorktreeManager(p.path(p.cfg.Workspace.BaseDir), p.root, branchPrefix+"/")
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}
	orphans, err := wtManager.List()
	if err != nil {
		return fmt.Errorf("list worktrees: %w", err)
	}
	if len(orphans) == 0 {
		fmt.Println("No orphaned worktrees found.")
		return nil
	}

	fmt.Printf("Found %d orphaned worktree(s):\n", len(orphans))
	for _, wt := range orphans {
		fmt.Printf("  - %s (branch: %s)\n", wt.Path, wt.Branch)
	}
	fmt.Println()

	if cleanupDryRun {
		fmt.Println("Dry run mode - no worktrees were removed.")
		return nil
	}
	if !cleanupForce && !confirm("Remove these worktrees? [y/N] ") {
		fmt.Println("Worktree cleanup cancelled.")
		return nil
	}

	var verboseCallback func(path string)
	if verbose {
		verboseCallback = func(path string) {
			fmt.Printf("Removed: %s\n", path)
		}
	}
	removed, err := wtManager.CleanupOrphans(verboseCallback)
	if err != nil {
		return fmt.Errorf("cleanup orphaned worktrees: %w", err)
	}
	fmt.Printf("Successfully removed %d orphaned worktree(s).\n", removed)
	return nil
}

// cleanupOldRuns purges finished runs older than cleanupMaxAge from the
// history and removes their status directories. The run ID encodes the
// start time, so directories need no database lookup.
func cleanupOldRuns(p *project, db *state.DB) error {
	root := p.path(p.cfg.Status.Root)
	cutoff := time.Now().Add(-cleanupMaxAge)

	var dirs []string
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read runs directory: %w", err)
	}
	for _, e := range entries {
		id, err := ulid.ParseStrict(e.Name())
		if err != nil || !e.IsDir() || !ulid.Time(id.Time()).Before(cutoff) {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, orchestrator.SummaryFileName)); err != nil {
			continue
		}
		dirs = append(dirs, dir)
	}

	if cleanupDryRun {
		fmt.Printf("Dry run: would remove %d run directory(ies) older than %s.\n", len(dirs), formatDuration(cleanupMaxAge))
		return nil
	}

	purged, err := db.PurgeOldRuns(cleanupMaxAge)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: remove %s: %v\n", dir, err)
			continue
		}
		if verbose {
			fmt.Printf("Removed: %s\n", dir)
		}
	}
	fmt.Printf("Purged %d run(s) from history and %d run directory(ies).\n", purged, len(dirs))
	return nil
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
