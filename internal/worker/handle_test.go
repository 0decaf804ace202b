package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// fakeWorkspaces hands out temp dirs and reports a fixed artifact.
type fakeWorkspaces struct {
	mu          sync.Mutex
	dir         string
	acquireErr  error
	artifact    string
	artifactErr error
	released    []string
}

func (f *fakeWorkspaces) Acquire(workerID, branch string) (*agent.Workspace, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return &agent.Workspace{Path: filepath.Join(f.dir, workerID), Branch: branch, WorkerID: workerID}, nil
}

func (f *fakeWorkspaces) Artifact(ws *agent.Workspace, title string) (string, error) {
	if f.artifactErr != nil {
		return "", f.artifactErr
	}
	return f.artifact, nil
}

func (f *fakeWorkspaces) Release(ws *agent.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, ws.WorkerID)
	return nil
}

func newHandle(t *testing.T, a agent.Agent, ws *fakeWorkspaces, opts Options) (*Handle, *status.Store) {
	t.Helper()
	store, err := status.Open(t.TempDir())
	require.NoError(t, err)
	if ws.dir == "" {
		ws.dir = t.TempDir()
	}
	sub := &models.SubTask{ID: "m-01", Index: 1, Title: "Add parser", Branch: "fanout/run/01-add-parser"}
	if opts.RunID == "" {
		opts.RunID = "run-1"
	}
	h, err := New("w-1", sub, Deps{Store: store, Agent: a, Workspaces: ws, Registry: NewRegistry()}, opts)
	require.NoError(t, err)
	return h, store
}

func TestNew_RegistersPending(t *testing.T) {
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{}, nil
	}), &fakeWorkspaces{}, Options{})

	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, rec.Status)
	assert.Equal(t, "m-01", rec.SubTaskID)
	assert.Equal(t, "fanout/run/01-add-parser", rec.BranchName)
	assert.Equal(t, 1, rec.Attempt)
}

func TestRun_CompletesWithAgentArtifact(t *testing.T) {
	ws := &fakeWorkspaces{}
	a := agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		req.Reporter.Started(0)
		req.Reporter.Progress(50, "halfway")
		return &agent.Outcome{ExitCode: 0, ArtifactRef: "https://example.com/pr/1", Stdout: "done"}, nil
	})
	h, store := newHandle(t, a, ws, Options{OutputDir: t.TempDir()})

	res := h.Run(context.Background())

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "https://example.com/pr/1", res.ResultRef)
	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Succeeded())

	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletionTime)
	assert.Equal(t, 100, rec.Progress())
	assert.Equal(t, []string{"w-1"}, ws.released)

	logPath, _ := rec.Metadata[models.MetaOutputRef].(string)
	require.NotEmpty(t, logPath)
	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "done")
}

func TestRun_FallsBackToWorkspaceArtifact(t *testing.T) {
	ws := &fakeWorkspaces{artifact: "fanout/run/01-add-parser@abc123"}
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{}, nil
	}), ws, Options{})

	res := h.Run(context.Background())
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "fanout/run/01-add-parser@abc123", res.ResultRef)
}

func TestRun_SuccessWithoutArtifactFails(t *testing.T) {
	ws := &fakeWorkspaces{artifactErr: agent.ErrNoArtifact}
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{}, nil
	}), ws, Options{})

	res := h.Run(context.Background())
	assert.Equal(t, models.StatusFailed, res.Status)

	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	werr, ok := models.ParseWorkerError(rec.ErrorString())
	require.True(t, ok)
	assert.Equal(t, models.ErrorOutputValidation, werr.Type)
}

func TestRun_NonZeroExitIsClassified(t *testing.T) {
	ws := &fakeWorkspaces{}
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{ExitCode: 2, Stderr: "main.go:3: syntax error: unexpected }"}, nil
	}), ws, Options{})

	res := h.Run(context.Background())
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, 2, res.ExitCode)
	werr, ok := models.ParseWorkerError(res.Error)
	require.True(t, ok)
	assert.Equal(t, models.ErrorBuild, werr.Type)
	assert.Equal(t, []string{"w-1"}, ws.released)
}

func TestRun_WorkspaceAcquireFailure(t *testing.T) {
	ws := &fakeWorkspaces{acquireErr: errors.New("branch already exists")}
	called := false
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		called = true
		return &agent.Outcome{}, nil
	}), ws, Options{})

	res := h.Run(context.Background())
	assert.False(t, called)
	assert.Equal(t, models.ExitCodeWorkspace, res.ExitCode)

	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
	werr, _ := models.ParseWorkerError(rec.ErrorString())
	assert.Equal(t, models.ErrorWorkspaceConflict, werr.Type)
}

func TestRun_Timeout(t *testing.T) {
	ws := &fakeWorkspaces{}
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), ws, Options{Timeout: 50 * time.Millisecond})

	res := h.Run(context.Background())
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ExitCodeTimeout, res.ExitCode)
	werr, _ := models.ParseWorkerError(res.Error)
	assert.Equal(t, models.ErrorTimeout, werr.Type)
	assert.Equal(t, []string{"w-1"}, ws.released)
}

func TestRun_ParentCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}), &fakeWorkspaces{}, Options{})

	res := h.Run(ctx)
	assert.Equal(t, models.ExitCodeCanceled, res.ExitCode)
	assert.Equal(t, models.StatusFailed, res.Status)
}

func TestRun_HeartbeatsKeepLastUpdateMoving(t *testing.T) {
	release := make(chan struct{})
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		<-release
		return &agent.Outcome{ArtifactRef: "ref"}, nil
	}), &fakeWorkspaces{}, Options{HeartbeatInterval: 10 * time.Millisecond})

	done := make(chan models.ExecutionResult)
	go func() { done <- h.Run(context.Background()) }()

	var first time.Time
	require.Eventually(t, func() bool {
		rec, err := store.Get(h.ID())
		if err != nil || rec.Status != models.StatusInProgress {
			return false
		}
		if first.IsZero() {
			first = rec.LastUpdate
			return false
		}
		return rec.LastUpdate.After(first)
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	res := <-done
	assert.Equal(t, models.StatusCompleted, res.Status)
}

func TestRun_HeartbeatStopsAfterForceFail(t *testing.T) {
	release := make(chan struct{})
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		<-release
		return &agent.Outcome{ExitCode: 1}, nil
	}), &fakeWorkspaces{}, Options{HeartbeatInterval: 5 * time.Millisecond})

	done := make(chan models.ExecutionResult)
	go func() { done <- h.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		rec, err := store.Get(h.ID())
		return err == nil && rec.Status == models.StatusInProgress
	}, time.Second, 5*time.Millisecond)

	forced, err := store.ForceFail(h.ID(), "stale", time.Now().Add(time.Hour))
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	assert.True(t, rec.Forced(), "heartbeat must not overwrite a forced failure")
	assert.True(t, forced.LastUpdate.Equal(rec.LastUpdate), "last_update = %s, want %s", rec.LastUpdate, forced.LastUpdate)
	assert.Eventually(t, h.heartbeatsStopped, time.Second, 5*time.Millisecond,
		"a forced failure stamped ahead of the worker clock must stop heartbeats")

	close(release)
	res := <-done
	assert.Equal(t, models.StatusFailed, res.Status)
	werr, _ := models.ParseWorkerError(res.Error)
	assert.Equal(t, models.ErrorTimeout, werr.Type, "the forced failure is later and wins")
}

func TestAbort_PendingWorker(t *testing.T) {
	h, store := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		t.Fatal("agent should not run")
		return nil, nil
	}), &fakeWorkspaces{}, Options{})

	res := h.Abort(models.ErrorTimeout, models.ExitCodeCanceled, "run canceled before start")
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ExitCodeCanceled, res.ExitCode)

	rec, err := store.Get(h.ID())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)

	// Run after Abort must not execute the agent.
	again := h.Run(context.Background())
	assert.Equal(t, models.StatusFailed, again.Status)
}

func TestAbort_LeavesCompletedAlone(t *testing.T) {
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{ArtifactRef: "ref"}, nil
	}), &fakeWorkspaces{}, Options{})

	require.Equal(t, models.StatusCompleted, h.Run(context.Background()).Status)
	res := h.Abort(models.ErrorUnknown, models.ExitCodePanic, "late")
	assert.Equal(t, models.StatusCompleted, res.Status)
}

func TestRetryHandle(t *testing.T) {
	store, err := status.Open(t.TempDir())
	require.NoError(t, err)
	sub := &models.SubTask{ID: "m-01", Title: "x", Branch: "fanout/r/01-x"}
	deps := Deps{Store: store, Workspaces: &fakeWorkspaces{dir: t.TempDir()}, Agent: agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		return &agent.Outcome{ExitCode: 1}, nil
	})}

	first, err := New("w-1", sub, deps, Options{})
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, first.Run(context.Background()).Status)

	_, err = New("w-1", sub, deps, Options{RetryOf: first.Record()})
	assert.Error(t, err, "a retry must use a new worker id")

	retry, err := New("w-2", sub, deps, Options{RetryOf: first.Record()})
	require.NoError(t, err)
	rec := retry.Record()
	assert.Equal(t, 2, rec.Attempt)
	assert.Equal(t, "w-1", rec.Metadata[models.MetaRetryOf])
}

func TestRegistry(t *testing.T) {
	release := make(chan struct{})
	h, _ := newHandle(t, agent.Func(func(ctx context.Context, req agent.Request) (*agent.Outcome, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &agent.Outcome{ArtifactRef: "ref"}, nil
	}), &fakeWorkspaces{}, Options{})

	reg := h.registry
	assert.False(t, reg.Alive(h.ID(), 0))

	done := make(chan models.ExecutionResult)
	go func() { done <- h.Run(context.Background()) }()

	require.Eventually(t, func() bool { return reg.Alive(h.ID(), 0) }, time.Second, 5*time.Millisecond)
	assert.True(t, reg.Terminate(h.ID()))

	res := <-done
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, models.ExitCodeTimeout, res.ExitCode)
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.Terminate("unknown"))
}
