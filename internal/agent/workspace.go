package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Workspace is the isolated working copy owned by one worker.
type Workspace struct {
	Path      string    // Absolute path of the working copy
	Branch    string    // Branch (or label) associated with the working copy
	WorkerID  string    // Worker that owns it
	Base      string    // Commit the working copy started from, if known
	CreatedAt time.Time // When it was acquired
}

// WorkspaceProvider hands out isolated working copies. A workspace is never
// shared between workers.
type WorkspaceProvider interface {
	// Acquire creates a fresh workspace for a worker on the given branch.
	Acquire(workerID, branch string) (*Workspace, error)
	// Artifact returns a reference to what the worker produced, or ErrNoArtifact.
	Artifact(ws *Workspace, title string) (string, error)
	// Release frees the workspace. It is safe to call more than once.
	Release(ws *Workspace) error
}

// DirProvider hands out plain directories under a base directory. It suits
// agents whose artifact lives outside the filesystem (a PR, an upload) and
// is reported through FANOUT_ARTIFACT.
type DirProvider struct {
	baseDir string
	keep    bool

	mu        sync.Mutex
	active    map[string]*Workspace
	published map[string]bool
}

// NewDirProvider creates a provider rooted at baseDir. When keep is true,
// Release leaves every directory on disk. Otherwise Release removes only
// directories that were never handed out as an artifact.
func NewDirProvider(baseDir string, keep bool) (*DirProvider, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &DirProvider{
		baseDir:   abs,
		keep:      keep,
		active:    make(map[string]*Workspace),
		published: make(map[string]bool),
	}, nil
}

// Acquire creates <base>/<worker-id>.
func (p *DirProvider) Acquire(workerID, branch string) (*Workspace, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.active[workerID]; busy {
		return nil, fmt.Errorf("workspace for %s already acquired", workerID)
	}
	dir := filepath.Join(p.baseDir, workerID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", dir, err)
	}
	ws := &Workspace{Path: dir, Branch: branch, WorkerID: workerID, CreatedAt: time.Now()}
	p.active[workerID] = ws
	return ws, nil
}

// Artifact reports the directory itself if the agent left files in it.
// A directory reported this way outlives Release.
func (p *DirProvider) Artifact(ws *Workspace, title string) (string, error) {
	entries, err := os.ReadDir(ws.Path)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), ".") {
			p.mu.Lock()
			p.published[ws.Path] = true
			p.mu.Unlock()
			return "dir:" + ws.Path, nil
		}
	}
	return "", ErrNoArtifact
}

// Release removes the directory unless the provider keeps workspaces or the
// directory is a published artifact.
func (p *DirProvider) Release(ws *Workspace) error {
	p.mu.Lock()
	_, ok := p.active[ws.WorkerID]
	delete(p.active, ws.WorkerID)
	published := p.published[ws.Path]
	p.mu.Unlock()

	if !ok || p.keep || published {
		return nil
	}
	if err := os.RemoveAll(ws.Path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", ws.Path, err)
	}
	return nil
}

// Verify DirProvider implements WorkspaceProvider at compile time.
var _ WorkspaceProvider = (*DirProvider)(nil)
