// Package worker runs one sub-task through its lifecycle and keeps its
// status record current.
//
// A handle moves its record pending -> in_progress -> completed|failed,
// heartbeating while the agent runs. It is the only writer of its record
// apart from the monitor's forced failure.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/exec"
	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// DefaultHeartbeatInterval is used when Options.HeartbeatInterval is zero.
const DefaultHeartbeatInterval = 30 * time.Second

// progressStep is the progress change that forces an immediate heartbeat.
const progressStep = 10

// Deps are the collaborators a handle needs.
type Deps struct {
	Store      *status.Store
	Agent      agent.Agent
	Workspaces agent.WorkspaceProvider
	Registry   *Registry
}

// Options tune a single handle.
type Options struct {
	RunID             string
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	// OutputDir receives <worker-id>.log with the agent's captured output.
	OutputDir string
	// RetryOf is the failed record this handle retries, if any.
	RetryOf *models.WorkerStatus
	// Clock overrides time.Now (for testing).
	Clock func() time.Time
}

// Handle owns the execution and status record of one worker.
type Handle struct {
	id        string
	sub       *models.SubTask
	runID     string
	timeout   time.Duration
	interval  time.Duration
	outputDir string
	now       func() time.Time

	store      *status.Store
	agent      agent.Agent
	workspaces agent.WorkspaceProvider
	registry   *Registry

	mu         sync.Mutex
	rec        *models.WorkerStatus
	started    bool
	running    bool
	forced     bool
	terminated bool
	pid        int
	reported   int
	stage      string
	cancel     context.CancelFunc
}

// New creates a handle and registers its pending record.
func New(workerID string, sub *models.SubTask, deps Deps, opts Options) (*Handle, error) {
	if sub == nil {
		return nil, fmt.Errorf("new worker: sub-task is required")
	}
	if deps.Store == nil || deps.Agent == nil || deps.Workspaces == nil {
		return nil, fmt.Errorf("new worker %s: store, agent and workspaces are required", workerID)
	}

	now := time.Now
	if opts.Clock != nil {
		now = opts.Clock
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	var rec *models.WorkerStatus
	if opts.RetryOf != nil {
		var err error
		rec, err = models.NewRetryStatus(opts.RetryOf, workerID, now())
		if err != nil {
			return nil, err
		}
		rec.BranchName = sub.Branch
		if opts.RunID != "" {
			rec.RunID = opts.RunID
		}
	} else {
		rec = models.NewWorkerStatus(workerID, sub.ID, opts.RunID, sub.Branch, now())
	}
	if err := deps.Store.Put(rec); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", workerID, err)
	}

	return &Handle{
		id:         workerID,
		sub:        sub,
		runID:      opts.RunID,
		timeout:    opts.Timeout,
		interval:   interval,
		outputDir:  opts.OutputDir,
		now:        now,
		store:      deps.Store,
		agent:      deps.Agent,
		workspaces: deps.Workspaces,
		registry:   deps.Registry,
		rec:        rec,
		reported:   -1,
	}, nil
}

// ID returns the worker ID.
func (h *Handle) ID() string { return h.id }

// SubTaskID returns the ID of the sub-task this worker executes.
func (h *Handle) SubTaskID() string { return h.sub.ID }

// SubTask returns the sub-task.
func (h *Handle) SubTask() *models.SubTask { return h.sub }

// Timeout returns the per-worker timeout (zero means none).
func (h *Handle) Timeout() time.Duration { return h.timeout }

// PID returns the agent's process ID, or 0 if none was reported.
func (h *Handle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pid
}

// Record returns a copy of the last record this handle wrote.
func (h *Handle) Record() *models.WorkerStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rec.Clone()
}

// Alive reports whether the worker is running and its process, if any, exists.
func (h *Handle) Alive() bool {
	h.mu.Lock()
	running, pid := h.running, h.pid
	h.mu.Unlock()
	if !running {
		return false
	}
	return pid == 0 || exec.Alive(pid)
}

// Terminate cancels the running agent. It is safe to call at any time.
func (h *Handle) Terminate() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminated = true
	if h.cancel != nil {
		h.cancel()
	}
}

// Run executes the sub-task and returns its terminal result. The workspace
// is released on every exit path.
func (h *Handle) Run(ctx context.Context) models.ExecutionResult {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return h.resultFrom(h.Record(), -1, nil, 0)
	}
	h.started = true
	h.mu.Unlock()

	start := h.now()

	var runCtx context.Context
	var cancel context.CancelFunc
	if h.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, h.timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	h.mu.Lock()
	h.cancel = cancel
	if h.terminated {
		cancel()
	}
	h.mu.Unlock()

	if _, err := h.write(func(r *models.WorkerStatus, now time.Time) {
		r.Status = models.StatusInProgress
		r.StartTime = now
	}); err != nil {
		log.Printf("[worker] %s: failed to mark in_progress: %v", h.id, err)
		return h.resultFrom(h.Record(), -1, nil, h.now().Sub(start))
	}

	h.setRunning(true)
	if h.registry != nil {
		h.registry.Register(h)
		defer h.registry.Unregister(h.id)
	}
	defer h.setRunning(false)

	ws, err := h.workspaces.Acquire(h.id, h.sub.Branch)
	if err != nil {
		werr := models.WorkerError{Type: models.ErrorWorkspaceConflict, Message: err.Error()}
		return h.finish(start, models.ExitCodeWorkspace, "", &werr, nil)
	}
	defer func() {
		if err := h.workspaces.Release(ws); err != nil {
			log.Printf("[worker] %s: failed to release workspace %s: %v", h.id, ws.Path, err)
		}
	}()

	var hb sync.WaitGroup
	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	hb.Add(1)
	go func() {
		defer hb.Done()
		h.heartbeatLoop(hbCtx)
	}()

	out, execErr := h.agent.Execute(runCtx, agent.Request{
		SubTask:   h.sub,
		Workspace: ws,
		Timeout:   h.timeout,
		Reporter:  h,
	})

	stopHeartbeat()
	hb.Wait()

	exitCode, ref, werr := h.evaluate(ctx, runCtx, ws, out, execErr)
	return h.finish(start, exitCode, ref, werr, out)
}

// evaluate turns the agent's return into an exit code and either an
// artifact reference or a classified error.
func (h *Handle) evaluate(parent, runCtx context.Context, ws *agent.Workspace, out *agent.Outcome, execErr error) (int, string, *models.WorkerError) {
	exitCode := -1
	if out != nil {
		exitCode = out.ExitCode
	}

	switch {
	case execErr != nil && runCtx.Err() != nil:
		werr := Classify(runCtx.Err(), out)
		if parent.Err() != nil {
			return models.ExitCodeCanceled, "", &werr
		}
		if h.wasTerminated() {
			werr.Message = "worker terminated"
		}
		return models.ExitCodeTimeout, "", &werr
	case execErr != nil:
		werr := Classify(execErr, out)
		return exitCode, "", &werr
	case out == nil:
		werr := models.WorkerError{Type: models.ErrorOutputValidation, Message: "agent returned no outcome"}
		return exitCode, "", &werr
	case out.ExitCode != 0:
		werr := Classify(nil, out)
		return exitCode, "", &werr
	}

	if out.ArtifactRef != "" {
		return exitCode, out.ArtifactRef, nil
	}
	ref, err := h.workspaces.Artifact(ws, h.sub.Title)
	if err != nil {
		werr := Classify(err, out)
		if !errors.Is(err, agent.ErrNoArtifact) {
			werr = models.WorkerError{Type: models.ErrorOutputValidation, Message: "artifact check: " + err.Error()}
		}
		return exitCode, "", &werr
	}
	return exitCode, ref, nil
}

// finish writes the terminal record. If the store refuses it (the monitor
// got there first with a later timestamp), the stored record is reported.
func (h *Handle) finish(start time.Time, exitCode int, ref string, werr *models.WorkerError, out *agent.Outcome) models.ExecutionResult {
	outputRef := h.saveOutput(out)

	rec, err := h.write(func(r *models.WorkerStatus, now time.Time) {
		t := now
		r.CompletionTime = &t
		if outputRef != "" {
			r.Metadata[models.MetaOutputRef] = outputRef
		}
		delete(r.Metadata, models.MetaForced)
		if werr == nil {
			r.Status = models.StatusCompleted
			r.ResultRef = &ref
			r.Error = nil
			full := 100
			r.ProgressPercentage = &full
			return
		}
		r.Status = models.StatusFailed
		s := werr.String()
		r.Error = &s
	})
	if err != nil {
		log.Printf("[worker] %s: terminal write refused: %v", h.id, err)
		stored, gerr := h.store.Get(h.id)
		if gerr != nil {
			log.Printf("[worker] %s: failed to read back record: %v", h.id, gerr)
			stored = h.Record()
		}
		rec = stored
		if rec.Status == models.StatusFailed && exitCode == 0 {
			exitCode = models.ExitCodeTimeout
		}
	}
	return h.resultFrom(rec, exitCode, out, h.now().Sub(start))
}

// Abort fails a worker from outside its Run: a panic, a watchdog expiry, or
// cancellation before it started. A pending record is moved through
// in_progress so the transition stays legal. A terminal record is left alone.
func (h *Handle) Abort(errType models.ErrorType, exitCode int, message string) models.ExecutionResult {
	h.Terminate()

	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	cur := h.Record()
	if stored, err := h.store.Get(h.id); err == nil {
		cur = stored
	}
	if cur.Status.Terminal() {
		return h.resultFrom(cur, exitCode, nil, 0)
	}

	if cur.Status == models.StatusPending {
		if _, err := h.write(func(r *models.WorkerStatus, now time.Time) {
			r.Status = models.StatusInProgress
			r.StartTime = now
		}); err != nil {
			log.Printf("[worker] %s: abort could not mark in_progress: %v", h.id, err)
		}
	}

	werr := models.WorkerError{Type: errType, Message: message}
	rec, err := h.write(func(r *models.WorkerStatus, now time.Time) {
		t := now
		r.CompletionTime = &t
		r.Status = models.StatusFailed
		s := werr.String()
		r.Error = &s
	})
	if err != nil {
		log.Printf("[worker] %s: abort write refused: %v", h.id, err)
		if stored, gerr := h.store.Get(h.id); gerr == nil {
			rec = stored
		} else {
			rec = h.Record()
		}
	}

	var elapsed time.Duration
	if !rec.StartTime.IsZero() {
		elapsed = h.now().Sub(rec.StartTime)
	}
	return h.resultFrom(rec, exitCode, nil, elapsed)
}

// Started implements agent.Reporter.
func (h *Handle) Started(pid int) {
	h.mu.Lock()
	h.pid = pid
	h.mu.Unlock()

	h.beat(func(r *models.WorkerStatus) {
		r.Metadata[models.MetaPID] = pid
	})
}

// Progress implements agent.Reporter. Progress is a hint only; it is
// written immediately when it moved by at least progressStep points.
func (h *Handle) Progress(pct int, stage string) {
	h.mu.Lock()
	h.stage = stage
	due := h.reported < 0 || abs(pct-h.reported) >= progressStep
	if due {
		h.reported = pct
	}
	h.mu.Unlock()

	if !due {
		return
	}
	h.beat(func(r *models.WorkerStatus) {
		p := pct
		r.ProgressPercentage = &p
		if stage != "" {
			s := stage
			r.CurrentStage = &s
		}
	})
}

func (h *Handle) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			stage := h.stage
			h.mu.Unlock()
			h.beat(func(r *models.WorkerStatus) {
				if stage != "" {
					s := stage
					r.CurrentStage = &s
				}
			})
		}
	}
}

// beat rewrites the in_progress record with a fresh last_update. After a
// forced failure heartbeats stop.
func (h *Handle) beat(mutate func(*models.WorkerStatus)) {
	h.mu.Lock()
	forced := h.forced || h.rec.Status != models.StatusInProgress
	h.mu.Unlock()
	if forced {
		return
	}

	_, err := h.write(func(r *models.WorkerStatus, _ time.Time) {
		mutate(r)
	})
	switch {
	case err == nil:
	case errors.Is(err, status.ErrForceFailed), errors.Is(err, status.ErrInvalidTransition):
		h.stopHeartbeats()
	case errors.Is(err, status.ErrStaleWrite) && h.storedTerminal():
		h.stopHeartbeats()
	default:
		log.Printf("[worker] %s: heartbeat failed: %v", h.id, err)
	}
}

func (h *Handle) stopHeartbeats() {
	h.mu.Lock()
	h.forced = true
	h.mu.Unlock()
	log.Printf("[worker] %s: record was force-failed, heartbeats stopped", h.id)
}

// storedTerminal reports whether the record on disk has already reached a
// terminal state, e.g. a forced failure stamped ahead of this worker's clock.
func (h *Handle) storedTerminal() bool {
	rec, err := h.store.Get(h.id)
	return err == nil && rec.Status.Terminal()
}

func (h *Handle) heartbeatsStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forced
}

// write applies mutate to a copy of the current record, stamps last_update
// monotonically and stores it.
func (h *Handle) write(mutate func(r *models.WorkerStatus, now time.Time)) (*models.WorkerStatus, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if now.Before(h.rec.LastUpdate) {
		now = h.rec.LastUpdate
	}
	next := h.rec.Clone()
	if next.Metadata == nil {
		next.Metadata = map[string]any{}
	}
	mutate(next, now)
	next.LastUpdate = now

	if err := h.store.Put(next); err != nil {
		return nil, err
	}
	h.rec = next
	return next.Clone(), nil
}

// saveOutput writes the captured agent output and returns its path.
func (h *Handle) saveOutput(out *agent.Outcome) string {
	if h.outputDir == "" || out == nil || (out.Stdout == "" && out.Stderr == "") {
		return ""
	}
	if err := os.MkdirAll(h.outputDir, 0755); err != nil {
		log.Printf("[worker] %s: failed to create output dir: %v", h.id, err)
		return ""
	}
	path := filepath.Join(h.outputDir, h.id+".log")
	body := "=== stdout ===\n" + out.Stdout + "\n=== stderr ===\n" + out.Stderr + "\n"
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		log.Printf("[worker] %s: failed to save output: %v", h.id, err)
		return ""
	}
	return path
}

func (h *Handle) resultFrom(rec *models.WorkerStatus, exitCode int, out *agent.Outcome, d time.Duration) models.ExecutionResult {
	res := models.ExecutionResult{
		WorkerID:  h.id,
		SubTaskID: h.sub.ID,
		ExitCode:  exitCode,
		Duration:  d,
		Status:    rec.Status,
		ResultRef: rec.Ref(),
		Error:     rec.ErrorString(),
	}
	if out != nil {
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
	}
	return res
}

func (h *Handle) setRunning(v bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = v
}

func (h *Handle) wasTerminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
