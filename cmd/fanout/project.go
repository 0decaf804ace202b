package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/config"
	"github.com/ShayCichocki/fanout/internal/orchestrator"
	"github.com/ShayCichocki/fanout/internal/retry"
	"github.com/ShayCichocki/fanout/internal/state"
	"github.com/ShayCichocki/fanout/internal/tracker"
)

// project is the loaded configuration plus the directory relative paths in
// it resolve against: the git root when there is one, else the working dir.
type project struct {
	cfg   *config.Config
	root  string
	inGit bool
}

func loadProject() (*project, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	p := &project{cfg: cfg, root: cwd}
	if root, err := findGitRoot(cwd); err == nil {
		p.root = root
		p.inGit = true
	}
	return p, nil
}

// path resolves a configured path against the project root.
func (p *project) path(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(p.root, rel)
}

func (p *project) sessionConfig() orchestrator.Config {
	sc := orchestrator.ConfigFrom(p.cfg)
	sc.StatusRoot = p.path(p.cfg.Status.Root)
	return sc
}

func (p *project) runDir(runID string) string {
	return filepath.Join(p.path(p.cfg.Status.Root), runID)
}

// latestRunID returns the newest run directory name. Run IDs are ULIDs, so
// lexical order is creation order.
func (p *project) latestRunID() (string, error) {
	entries, err := os.ReadDir(p.path(p.cfg.Status.Root))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("no runs yet. Run 'fanout run <task>' to start")
		}
		return "", fmt.Errorf("read runs directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := ulid.ParseStrict(e.Name()); err == nil {
			ids = append(ids, e.Name())
		}
	}
	if len(ids) == 0 {
		return "", fmt.Errorf("no runs yet. Run 'fanout run <task>' to start")
	}
	sort.Strings(ids)
	return ids[len(ids)-1], nil
}

// resolveRunID returns args[0] or the latest run.
func (p *project) resolveRunID(args []string) (string, error) {
	if len(args) > 0 && args[0] != "" {
		return args[0], nil
	}
	return p.latestRunID()
}

func (p *project) openState() (*state.DB, error) {
	db, err := state.Open(p.path(p.cfg.State.DBPath))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (p *project) openTracker() (*tracker.LocalTracker, error) {
	return tracker.NewLocalTracker(p.path(p.cfg.Tracker.DBPath))
}

func (p *project) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: p.cfg.Tracker.MaxRetries,
		BaseDelay:  p.cfg.Tracker.BaseDelay,
		MaxDelay:   p.cfg.Tracker.MaxDelay,
	}
}

// workspaces builds the provider named by workspace.mode.
func (p *project) workspaces() (agent.WorkspaceProvider, error) {
	base := p.path(p.cfg.Workspace.BaseDir)
	switch p.cfg.Workspace.Mode {
	case "", "worktree":
		if !p.inGit {
			return nil, fmt.Errorf("workspace.mode is worktree but %s is not in a git repository (set workspace.mode to dir)", p.root)
		}
		return agent.NewWorktreeManager(base, p.root, branchPrefix+"/")
	case "dir":
		return agent.NewDirProvider(base, true)
	default:
		return nil, fmt.Errorf("unknown workspace.mode %q (want worktree or dir)", p.cfg.Workspace.Mode)
	}
}

// branchPrefix is the first path segment of every sub-task branch.
const branchPrefix = "fanout"

func findGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}

// firstLine returns the first non-empty line of s, shortened to max runes.
func firstLine(s string, max int) string {
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := []rune(line)
		if max > 3 && len(r) > max {
			return string(r[:max-3]) + "..."
		}
		return line
	}
	return ""
}
