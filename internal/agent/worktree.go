package agent

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/fanout/internal/git"
)

// WorktreeManager hands out git worktrees, one per worker, each on its own
// branch started from the repository's HEAD at construction time.
type WorktreeManager struct {
	baseDir      string
	repoPath     string
	branchPrefix string
	base         string
	git          git.Runner
	open         git.Factory

	mu     sync.Mutex
	active map[string]*Workspace
}

// NewWorktreeManager creates a manager for the repository at repoPath.
// Worktrees are created under baseDir. Branches are expected to start with
// branchPrefix (e.g. "fanout/"), which is how cleanup recognizes them.
func NewWorktreeManager(baseDir, repoPath, branchPrefix string) (*WorktreeManager, error) {
	return NewWorktreeManagerWithRunner(baseDir, repoPath, branchPrefix, git.NewRunner(repoPath), git.NewFactory())
}

// NewWorktreeManagerWithRunner creates a manager with custom git runners (for testing).
func NewWorktreeManagerWithRunner(baseDir, repoPath, branchPrefix string, runner git.Runner, open git.Factory) (*WorktreeManager, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".cache", "fanout", "worktrees")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve worktree dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	base, err := runner.HeadSHA()
	if err != nil {
		return nil, fmt.Errorf("resolve base commit: %w", err)
	}

	return &WorktreeManager{
		baseDir:      abs,
		repoPath:     repoPath,
		branchPrefix: branchPrefix,
		base:         base,
		git:          runner,
		open:         open,
		active:       make(map[string]*Workspace),
	}, nil
}

// Acquire creates a worktree for the worker on a new branch.
func (m *WorktreeManager) Acquire(workerID, branch string) (*Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.active[workerID]; busy {
		return nil, fmt.Errorf("workspace for %s already acquired", workerID)
	}

	exists, err := m.git.BranchExists(branch)
	if err != nil {
		return nil, fmt.Errorf("check branch %s: %w", branch, err)
	}
	if exists {
		return nil, fmt.Errorf("branch %s already exists", branch)
	}

	path := filepath.Join(m.baseDir, workerID)
	if err := m.git.WorktreeAddNewBranch(path, branch, m.base); err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	ws := &Workspace{
		Path:      path,
		Branch:    branch,
		WorkerID:  workerID,
		Base:      m.base,
		CreatedAt: time.Now(),
	}
	m.active[workerID] = ws
	return ws, nil
}

// Artifact commits anything the agent left uncommitted and returns
// "<branch>@<sha>" if the branch gained commits over the base.
func (m *WorktreeManager) Artifact(ws *Workspace, title string) (string, error) {
	wt := m.open(ws.Path)

	dirty, err := wt.HasChanges()
	if err != nil {
		return "", fmt.Errorf("check worktree status: %w", err)
	}
	if dirty {
		if err := wt.CommitAll("fanout: " + title); err != nil {
			return "", fmt.Errorf("commit agent changes: %w", err)
		}
	}

	ahead, err := m.git.CommitsAhead(ws.Base, ws.Branch)
	if err != nil {
		return "", fmt.Errorf("count commits: %w", err)
	}
	if ahead == 0 {
		return "", ErrNoArtifact
	}

	sha, err := wt.HeadSHA()
	if err != nil {
		return "", fmt.Errorf("resolve head: %w", err)
	}
	return ws.Branch + "@" + sha, nil
}

// Release removes the worktree. The branch is kept: it is the artifact.
func (m *WorktreeManager) Release(ws *Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[ws.WorkerID]; !ok {
		return nil
	}
	delete(m.active, ws.WorkerID)

	if err := m.git.WorktreeRemove(ws.Path, true); err != nil {
		if rmErr := os.RemoveAll(ws.Path); rmErr != nil {
			return fmt.Errorf("remove worktree: %w", errors.Join(err, rmErr))
		}
		_ = m.git.WorktreePrune()
	}
	return nil
}

// Verify WorktreeManager implements WorkspaceProvider at compile time.
var _ WorkspaceProvider = (*WorktreeManager)(nil)

// WorktreeInfo is one entry of git worktree list.
type WorktreeInfo struct {
	Path   string
	Branch string
}

// List returns the worktrees whose branches carry the manager's prefix.
func (m *WorktreeManager) List() ([]WorktreeInfo, error) {
	out, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	all, err := parseWorktreeList(out)
	if err != nil {
		return nil, err
	}
	var ours []WorktreeInfo
	for _, wt := range all {
		if m.branchPrefix != "" && strings.HasPrefix(wt.Branch, m.branchPrefix) {
			ours = append(ours, wt)
		}
	}
	return ours, nil
}

// CleanupOrphans removes fanout worktrees not held by this process, plus
// directories under the base dir that git no longer tracks. verbose, if
// set, is called for every removed path.
func (m *WorktreeManager) CleanupOrphans(verbose func(path string)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.git.WorktreePrune(); err != nil {
		return 0, fmt.Errorf("prune worktrees: %w", err)
	}
	out, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return 0, fmt.Errorf("list worktrees: %w", err)
	}
	all, err := parseWorktreeList(out)
	if err != nil {
		return 0, err
	}

	held := make(map[string]bool, len(m.active))
	for _, ws := range m.active {
		held[ws.Path] = true
	}

	removed := 0
	known := make(map[string]bool)
	for _, wt := range all {
		known[wt.Path] = true
		if held[wt.Path] || m.branchPrefix == "" || !strings.HasPrefix(wt.Branch, m.branchPrefix) {
			continue
		}
		if err := m.git.WorktreeRemove(wt.Path, true); err != nil {
			continue
		}
		removed++
		if verbose != nil {
			verbose(wt.Path)
		}
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return removed, nil
		}
		return removed, fmt.Errorf("read worktree base directory: %w", err)
	}
	for _, e := range entries {
		path := filepath.Join(m.baseDir, e.Name())
		if !e.IsDir() || known[path] || held[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		removed++
		if verbose != nil {
			verbose(path)
		}
	}
	return removed, nil
}

// parseWorktreeList parses the output of 'git worktree list --porcelain'.
func parseWorktreeList(output string) ([]WorktreeInfo, error) {
	var (
		worktrees []WorktreeInfo
		current   *WorktreeInfo
	)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if current != nil {
				worktrees = append(worktrees, *current)
				current = nil
			}
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				worktrees = append(worktrees, *current)
			}
			current = &WorktreeInfo{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "branch ") && current != nil:
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		worktrees = append(worktrees, *current)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}
