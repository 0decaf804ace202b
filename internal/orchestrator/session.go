package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/fanout/internal/aggregate"
	"github.com/ShayCichocki/fanout/internal/engine"
	"github.com/ShayCichocki/fanout/internal/exec"
	"github.com/ShayCichocki/fanout/internal/graph"
	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/internal/state"
	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/internal/tracker"
	"github.com/ShayCichocki/fanout/internal/worker"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// OutputDir holds captured agent output inside a run directory.
const OutputDir = "output"

// finalizeTimeout bounds aggregation and bookkeeping after the run context
// is gone.
const finalizeTimeout = 2 * time.Minute

var (
	// ErrSessionUsed is returned when Run is called twice on one session.
	ErrSessionUsed = errors.New("session already ran")
	// ErrNoSubTasks is returned for a master task without sub-tasks.
	ErrNoSubTasks = errors.New("master task has no sub-tasks")
)

// Session runs one master task.
type Session struct {
	req     RequiredConfig
	cfg     Config
	opts    sessionOptions
	now     func() time.Time
	events  *eventEmitter
	reg     *worker.Registry
	agg     *aggregate.Aggregator
	ownsLog bool

	mu     sync.Mutex
	runID  string
	runDir string
	store  *status.Store
	logger *DebugLogger
	used   bool
}

// New creates a session.
func New(req RequiredConfig, opts ...Option) *Session {
	o := sessionOptions{config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	now := time.Now
	if o.clock != nil {
		now = o.clock
	}

	aggOpts := []aggregate.Option{aggregate.WithThreshold(o.config.PartialThreshold), aggregate.WithClock(now)}
	if o.followUps != nil {
		aggOpts = append(aggOpts, aggregate.WithTracker(o.followUps))
	}
	if o.investigator != nil {
		aggOpts = append(aggOpts, aggregate.WithInvestigator(o.investigator))
	}

	s := &Session{
		req:    req,
		cfg:    o.config,
		opts:   o,
		now:    now,
		reg:    worker.NewRegistry(),
		agg:    aggregate.New(aggOpts...),
		runID:  o.runID,
		logger: o.logger,
	}
	if o.eventBuffer > 0 {
		s.events = newEventEmitter(o.eventBuffer)
	}
	return s
}

// Events returns the event channel, or nil unless WithEvents was given.
// The channel is closed when Run or RetryFailed returns.
func (s *Session) Events() <-chan Event {
	if s.events == nil {
		return nil
	}
	return s.events.events
}

// RunID returns the run ID, generating it on first use.
func (s *Session) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runID == "" {
		s.runID = ulid.MustNew(ulid.Timestamp(s.now()), ulid.DefaultEntropy()).String()
	}
	return s.runID
}

// RunDir returns the run directory.
func (s *Session) RunDir() string {
	return filepath.Join(s.cfg.StatusRoot, s.RunID())
}

// Store returns the status store, opening the run directory if needed.
func (s *Session) Store() (*status.Store, error) {
	runDir := s.RunDir()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return s.store, nil
	}

	store, err := status.Open(runDir)
	if err != nil {
		return nil, err
	}
	if s.logger == nil {
		logger, err := NewDebugLogger(filepath.Join(runDir, LogFileName))
		if err != nil {
			log.Printf("[orchestrator] debug log unavailable: %v", err)
			logger = NopLogger()
		}
		s.logger = logger
		s.ownsLog = true
	}
	s.runDir = runDir
	s.store = store
	return store, nil
}

// CreateWorker builds a handle for one sub-task and registers its pending
// status record under a fresh worker ID.
func (s *Session) CreateWorker(sub *models.SubTask, timeout time.Duration) (*worker.Handle, error) {
	return s.createWorker(sub, timeout, nil)
}

func (s *Session) createWorker(sub *models.SubTask, timeout time.Duration, retryOf *models.WorkerStatus) (*worker.Handle, error) {
	if s.req.Agent == nil || s.req.Workspaces == nil {
		return nil, fmt.Errorf("create worker: agent and workspaces are required")
	}
	store, err := s.Store()
	if err != nil {
		return nil, err
	}

	workerID := uuid.NewString()
	h, err := worker.New(workerID, sub, worker.Deps{
		Store:      store,
		Agent:      s.req.Agent,
		Workspaces: s.req.Workspaces,
		Registry:   s.reg,
	}, worker.Options{
		RunID:             s.RunID(),
		Timeout:           timeout,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		OutputDir:         filepath.Join(s.runDir, OutputDir),
		RetryOf:           retryOf,
		Clock:             s.opts.clock,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Log("created worker %s for sub-task %s (%s)", workerID, sub.ID, sub.Title)
	return h, nil
}

// Run executes every sub-task of master and returns the aggregated run.
// Worker failures are reported in the result, never as an error; an error
// means the run could not be set up or its summary could not be written.
func (s *Session) Run(ctx context.Context, master *models.MasterTask) (*models.OrchestrationRun, error) {
	defer s.events.close()
	if master == nil || len(master.SubTasks) == 0 {
		return nil, ErrNoSubTasks
	}
	return s.execute(ctx, master, master.SubTasks, nil, "")
}

// RetryFailed re-runs the failed sub-tasks of prev in this session. Each
// retry gets a new worker ID, a new branch and a record pointing at the
// failed one. Follow-ups of sub-tasks that now succeed are resolved.
func (s *Session) RetryFailed(ctx context.Context, prev *models.OrchestrationRun, master *models.MasterTask) (*models.OrchestrationRun, error) {
	defer s.events.close()
	if prev == nil || master == nil {
		return nil, fmt.Errorf("retry: previous run and master task are required")
	}
	prevStore, err := status.Open(filepath.Join(s.cfg.StatusRoot, prev.ID))
	if err != nil {
		return nil, fmt.Errorf("retry: open run %s: %w", prev.ID, err)
	}
	records, err := prevStore.List()
	if err != nil {
		return nil, fmt.Errorf("retry: list records of %s: %w", prev.ID, err)
	}
	latest := aggregate.LatestBySubTask(records)

	var subs []*models.SubTask
	failed := make(map[string]*models.WorkerStatus)
	for _, st := range master.SubTasks {
		rec := latest[st.ID]
		if rec == nil || rec.Status == models.StatusCompleted {
			continue
		}
		if rec.Status != models.StatusFailed {
			return nil, fmt.Errorf("retry: worker %s of %s is still %s", rec.WorkerID, st.ID, rec.Status)
		}
		retry := *st
		retry.Branch = fmt.Sprintf("%s-r%d", st.Branch, rec.Attempt+1)
		retry.DependsOn = nil
		subs = append(subs, &retry)
		failed[st.ID] = rec
	}
	if len(subs) == 0 {
		return nil, fmt.Errorf("retry: run %s has no failed sub-tasks", prev.ID)
	}

	partial := *master
	partial.SubTasks = subs
	run, err := s.execute(ctx, &partial, subs, failed, prev.ID)
	if err != nil {
		return nil, err
	}
	s.resolveRetried(ctx, run)
	return run, nil
}

func (s *Session) execute(ctx context.Context, master *models.MasterTask, subs []*models.SubTask, retryOf map[string]*models.WorkerStatus, prevRunID string) (*models.OrchestrationRun, error) {
	s.mu.Lock()
	if s.used {
		s.mu.Unlock()
		return nil, ErrSessionUsed
	}
	s.used = true
	s.mu.Unlock()
	defer s.events.close()

	start := s.now()
	store, err := s.Store()
	if err != nil {
		return nil, fmt.Errorf("open run directory: %w", err)
	}
	if s.ownsLog {
		defer s.logger.Close()
	}
	runID, runDir := s.RunID(), s.runDir

	deps, err := graph.Build(subs)
	if err != nil {
		return nil, fmt.Errorf("invalid sub-task dependencies: %w", err)
	}
	sequential := master.Sequential || !deps.Independent()
	subs = deps.Order()

	manifest := newManifest(runID, s.cfg, master, start)
	manifest.RetryOf = prevRunID
	if err := WriteManifest(runDir, manifest); err != nil {
		return nil, err
	}
	s.recordStart(runID, runDir, master, start)

	handles := make([]engine.Runnable, 0, len(subs))
	for _, sub := range subs {
		h, err := s.createWorker(sub, s.cfg.WorkerTimeout, retryOf[sub.ID])
		if err != nil {
			return nil, fmt.Errorf("create worker for %s: %w", sub.ID, err)
		}
		handles = append(handles, h)
	}

	workers := s.cfg.workers(len(handles), sequential)
	log.Printf("[orchestrator] run %s: %d sub-tasks, %d workers", runID, len(handles), workers)
	s.logger.Log("run %s started in %s: %d sub-tasks, %d workers, sequential=%v", runID, runDir, len(handles), workers, sequential)
	s.events.emit(Event{Type: EventRunStarted, RunID: runID, Message: runDir, Timestamp: start})

	var runCtx context.Context
	var cancelTimeout context.CancelFunc
	if s.cfg.RunTimeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, s.cfg.RunTimeout)
	} else {
		runCtx, cancelTimeout = context.WithCancel(ctx)
	}
	defer cancelTimeout()
	execCtx, cancelExec := context.WithCancel(runCtx)
	defer cancelExec()

	var cancelRequested atomic.Bool
	err = status.WatchCancel(execCtx, runDir, s.cfg.PollInterval, func() {
		if cancelRequested.CompareAndSwap(false, true) {
			log.Printf("[orchestrator] run %s: cancel requested", runID)
			cancelExec()
		}
	})
	if err != nil {
		log.Printf("[orchestrator] cancel signal unavailable: %v", err)
	}

	mon := monitor.New(store, s.reg,
		monitor.WithPollInterval(s.cfg.PollInterval),
		monitor.WithStaleThreshold(s.cfg.StaleThreshold),
		monitor.WithClock(s.now),
		monitor.WithSnapshotHook(s.snapshotHook(runID)),
	)
	monCtx, stopMonitor := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		if err := mon.Run(monCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[orchestrator] monitor stopped: %v", err)
		}
	}()

	eng := engine.New(
		engine.WithGrace(s.cfg.Grace),
		engine.WithStartHook(func(r engine.Runnable) {
			s.logger.Log("worker %s started (%s)", r.ID(), r.SubTaskID())
			s.events.emit(Event{Type: EventWorkerStarted, RunID: runID, WorkerID: r.ID(), SubTaskID: r.SubTaskID(), Timestamp: s.now()})
		}),
		engine.WithResultHook(func(res models.ExecutionResult) {
			s.logger.Log("worker %s finished: status=%s exit=%d duration=%s %s", res.WorkerID, res.Status, res.ExitCode, res.Duration, res.Error)
			r := res
			s.events.emit(Event{Type: EventWorkerFinished, RunID: runID, WorkerID: res.WorkerID, SubTaskID: res.SubTaskID, Result: &r, Timestamp: s.now()})
		}),
	)
	results := eng.RunParallel(execCtx, handles, workers)

	stopMonitor()
	<-monDone
	if _, err := mon.Check(s.now()); err != nil {
		log.Printf("[orchestrator] final monitor pass failed: %v", err)
	}

	end := s.now()
	run := &models.OrchestrationRun{
		ID:           runID,
		MasterTaskID: master.ID,
		StartTime:    start,
		EndTime:      end,
		Sequential:   sequential,
		ForcedFails:  mon.ForcedFailures(),
		TimedOut:     ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Canceled:     ctx.Err() != nil || cancelRequested.Load(),
	}
	if run.TimedOut {
		log.Printf("[orchestrator] run %s hit its %s timeout", runID, s.cfg.RunTimeout)
	}

	finalCtx, cancelFinal := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFinal()

	records, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("list status records: %w", err)
	}
	if err := s.agg.Aggregate(finalCtx, run, master, records, results); err != nil {
		return nil, err
	}

	if err := WriteSummary(runDir, run); err != nil {
		return nil, err
	}
	s.recordFinish(run)

	s.logger.Log("run %s finished: %s, %d/%d completed, speedup %.2fx", runID, run.Band, run.Completed, run.Total, run.Speedup)
	s.events.emit(Event{Type: EventRunFinished, RunID: runID, Run: run, Timestamp: end})
	return run, nil
}

// snapshotHook forwards snapshots and reports newly forced failures.
func (s *Session) snapshotHook(runID string) func(monitor.Snapshot) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	return func(snap monitor.Snapshot) {
		mu.Lock()
		var fresh []monitor.WorkerView
		for _, w := range snap.Workers {
			if w.Forced && !seen[w.WorkerID] {
				seen[w.WorkerID] = true
				fresh = append(fresh, w)
			}
		}
		mu.Unlock()

		for _, w := range fresh {
			s.logger.Log("worker %s force-failed: %s", w.WorkerID, w.Error)
			s.events.emit(Event{Type: EventWorkerForceFailed, RunID: runID, WorkerID: w.WorkerID, SubTaskID: w.SubTaskID, Message: w.Error, Timestamp: snap.Taken})
		}
		if s.opts.onSnapshot != nil {
			s.opts.onSnapshot(snap)
		}
	}
}

// recordStart adds the run to the history database and marks runs left
// active by dead processes as interrupted. Failures are logged only.
func (s *Session) recordStart(runID, runDir string, master *models.MasterTask, start time.Time) {
	db := s.opts.stateDB
	if db == nil {
		return
	}
	if marked, err := state.NewRecoveryManager(db, exec.Alive).MarkInterrupted(); err != nil {
		log.Printf("[orchestrator] recovery check failed: %v", err)
	} else {
		for _, r := range marked {
			log.Printf("[orchestrator] run %s (pid %d) was interrupted", r.RunID, r.OwnerPID)
		}
	}
	err := db.CreateRun(&state.Run{
		ID:           runID,
		MasterTaskID: master.ID,
		Description:  master.Description,
		RunDir:       runDir,
		StartedAt:    start,
		Total:        len(master.SubTasks),
		OwnerPID:     os.Getpid(),
	})
	if err != nil {
		log.Printf("[orchestrator] failed to record run %s: %v", runID, err)
	}
}

func (s *Session) recordFinish(run *models.OrchestrationRun) {
	if s.opts.stateDB == nil {
		return
	}
	if err := s.opts.stateDB.FinishRun(run); err != nil {
		log.Printf("[orchestrator] failed to record results of %s: %v", run.ID, err)
	}
}

// resolveRetried closes follow-ups whose sub-task completed on retry.
func (s *Session) resolveRetried(ctx context.Context, run *models.OrchestrationRun) {
	resolver, ok := s.opts.followUps.(tracker.Resolver)
	if !ok {
		return
	}
	for _, r := range run.Results {
		if !r.Succeeded() {
			continue
		}
		if err := resolver.Resolve(context.WithoutCancel(ctx), r.SubTaskID, "completed on retry by "+r.WorkerID); err != nil {
			log.Printf("[orchestrator] failed to resolve follow-up for %s: %v", r.SubTaskID, err)
		}
	}
}
