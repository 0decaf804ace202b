// Package git provides an interface for the git operations fanout needs.
package git

// BranchOperations defines the interface for git branch and ref operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// HeadSHA returns the commit HEAD points at.
	HeadSHA() (string, error)
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// CommitsAhead counts commits reachable from ref but not from base.
	CommitsAhead(base, ref string) (int, error)
}

// CommitOperations defines the interface for staging and committing.
type CommitOperations interface {
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// CommitAll stages everything and commits with the given message.
	CommitAll(message string) error
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree at path on a new branch started at base.
	WorktreeAddNewBranch(path, branch, base string) error
	// WorktreeRemove removes the worktree, optionally with force.
	WorktreeRemove(path string, force bool) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePrune removes stale worktree entries immediately.
	WorktreePrune() error
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	CommitOperations
	WorktreeOperations
	// Run executes an arbitrary git command with the given arguments.
	Run(args ...string) (string, error)
}

// Factory opens a Runner rooted at a directory, used to operate inside worktrees.
type Factory func(dir string) Runner
