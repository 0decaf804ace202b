package agent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirProvider(t *testing.T) {
	p, err := NewDirProvider(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}

	ws, err := p.Acquire("w-1", "fanout/run/01-x")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if ws.Branch != "fanout/run/01-x" || ws.WorkerID != "w-1" {
		t.Errorf("Acquire() = %+v", ws)
	}
	if _, err := p.Acquire("w-1", "fanout/run/01-x"); err == nil {
		t.Error("Acquire() twice should fail")
	}

	if _, err := p.Artifact(ws, "x"); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Artifact() on empty dir = %v, want ErrNoArtifact", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, ".hidden"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Artifact(ws, "x"); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("Artifact() with only dotfiles = %v, want ErrNoArtifact", err)
	}
	if err := os.WriteFile(filepath.Join(ws.Path, "out.txt"), []byte("ok"), 0644); err != nil {
		t.Fatal(err)
	}
	ref, err := p.Artifact(ws, "x")
	if err != nil || !strings.HasPrefix(ref, "dir:") {
		t.Errorf("Artifact() = %q, %v", ref, err)
	}

	if err := p.Release(ws); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(strings.TrimPrefix(ref, "dir:")); err != nil {
		t.Errorf("Release() removed a published artifact: %v", err)
	}
	if err := p.Release(ws); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
}

func TestDirProvider_ReleaseRemovesUnpublished(t *testing.T) {
	p, err := NewDirProvider(t.TempDir(), false)
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}
	ws, err := p.Acquire("w-2", "b")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := p.Artifact(ws, "x"); !errors.Is(err, ErrNoArtifact) {
		t.Fatalf("Artifact() = %v, want ErrNoArtifact", err)
	}
	if err := p.Release(ws); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(ws.Path); !os.IsNotExist(err) {
		t.Error("Release() should remove a directory with no artifact")
	}
}

func TestDirProvider_Keep(t *testing.T) {
	p, err := NewDirProvider(t.TempDir(), true)
	if err != nil {
		t.Fatalf("NewDirProvider() error = %v", err)
	}
	ws, err := p.Acquire("w-1", "b")
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Release(ws); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if _, err := os.Stat(ws.Path); err != nil {
		t.Errorf("kept workspace missing: %v", err)
	}
}
