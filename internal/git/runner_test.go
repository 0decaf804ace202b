package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

// setupRepo creates a repository with one commit on main.
func setupRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}

	dir := t.TempDir()
	r := NewRunner(dir)
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test"},
	} {
		if _, err := r.Run(args...); err != nil {
			t.Fatalf("git %v: %v", args, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# repo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := r.CommitAll("initial"); err != nil {
		t.Fatalf("initial commit: %v", err)
	}
	return dir
}

func TestExecRunner_WorktreeLifecycle(t *testing.T) {
	repo := setupRepo(t)
	r := NewRunner(repo)

	wtPath := filepath.Join(t.TempDir(), "wt")
	if err := r.WorktreeAddNewBranch(wtPath, "fanout/run/01-x", "main"); err != nil {
		t.Fatalf("WorktreeAddNewBranch failed: %v", err)
	}

	exists, err := r.BranchExists("fanout/run/01-x")
	if err != nil || !exists {
		t.Fatalf("BranchExists = %v, %v", exists, err)
	}

	wt := NewRunner(wtPath)
	if changed, _ := wt.HasChanges(); changed {
		t.Error("fresh worktree should be clean")
	}
	if err := os.WriteFile(filepath.Join(wtPath, "new.go"), []byte("package x\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if changed, _ := wt.HasChanges(); !changed {
		t.Error("worktree should report changes")
	}
	if err := wt.CommitAll("add new.go"); err != nil {
		t.Fatalf("CommitAll failed: %v", err)
	}

	ahead, err := r.CommitsAhead("main", "fanout/run/01-x")
	if err != nil {
		t.Fatalf("CommitsAhead failed: %v", err)
	}
	if ahead != 1 {
		t.Errorf("CommitsAhead = %d, want 1", ahead)
	}

	if err := r.WorktreeRemove(wtPath, true); err != nil {
		t.Fatalf("WorktreeRemove failed: %v", err)
	}
	if err := r.DeleteBranch("fanout/run/01-x"); err != nil {
		t.Fatalf("DeleteBranch failed: %v", err)
	}
	if exists, _ := r.BranchExists("fanout/run/01-x"); exists {
		t.Error("branch should be deleted")
	}
}

func TestExecRunner_BranchExistsMissing(t *testing.T) {
	repo := setupRepo(t)
	exists, err := NewRunner(repo).BranchExists("nope")
	if err != nil {
		t.Fatalf("BranchExists failed: %v", err)
	}
	if exists {
		t.Error("branch should not exist")
	}
}
