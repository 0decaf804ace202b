// Package monitor watches a run's status records, keeps a progress view and
// force-fails workers whose heartbeats stopped.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/fanout/internal/status"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultPollInterval   = 10 * time.Second
	DefaultStaleThreshold = 5 * time.Minute
)

// Probe answers whether a worker's process exists and stops it.
// worker.Registry is the production implementation.
type Probe interface {
	Alive(workerID string, pid int) bool
	Terminate(workerID string) bool
}

// WorkerView is one row of the progress view.
type WorkerView struct {
	WorkerID  string
	SubTaskID string
	Branch    string
	Status    models.Status
	Progress  int // -1 when unknown
	Stage     string
	Age       time.Duration // since last_update
	Suspect   bool
	Forced    bool
	Error     string
	ResultRef string
}

// Snapshot is the progress view at one point in time.
type Snapshot struct {
	Taken          time.Time
	Workers        []WorkerView
	Counts         map[models.Status]int
	ForcedFailures int
}

// Total returns the number of workers in the snapshot.
func (s Snapshot) Total() int { return len(s.Workers) }

// Done reports whether every worker has reached a terminal status.
func (s Snapshot) Done() bool {
	return len(s.Workers) > 0 && s.Counts[models.StatusCompleted]+s.Counts[models.StatusFailed] == len(s.Workers)
}

type suspect struct {
	since      time.Time
	lastUpdate time.Time
}

// Monitor polls a status store.
type Monitor struct {
	store     *status.Store
	probe     Probe
	poll      time.Duration
	threshold time.Duration
	now       func() time.Time
	readOnly  bool
	onChange  func(Snapshot)

	mu       sync.Mutex
	suspects map[string]suspect
	forced   int
	last     Snapshot
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithStaleThreshold sets how long a worker may go without a heartbeat.
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.threshold = d
		}
	}
}

// WithClock overrides time.Now (for testing).
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithReadOnly disables forced failures. Used when observing a run owned by
// another process.
func WithReadOnly() Option {
	return func(m *Monitor) { m.readOnly = true }
}

// WithSnapshotHook is called after every pass with the new snapshot.
func WithSnapshotHook(fn func(Snapshot)) Option {
	return func(m *Monitor) { m.onChange = fn }
}

// New creates a monitor. probe may be nil only in read-only mode.
func New(store *status.Store, probe Probe, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		probe:     probe,
		poll:      DefaultPollInterval,
		threshold: DefaultStaleThreshold,
		now:       time.Now,
		suspects:  make(map[string]suspect),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.probe == nil {
		m.readOnly = true
	}
	return m
}

// Run polls until ctx ends. Filesystem change hints trigger extra passes.
func (m *Monitor) Run(ctx context.Context) error {
	hints, err := m.store.Watch(ctx)
	if err != nil {
		log.Printf("[monitor] file watch unavailable, polling only: %v", err)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	m.pass()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.pass()
		case _, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			m.pass()
		}
	}
}

func (m *Monitor) pass() {
	if _, err := m.Check(m.now()); err != nil {
		log.Printf("[monitor] check failed: %v", err)
	}
}

// Check performs one deterministic pass at the given time: it refreshes the
// progress view and applies the staleness rule.
//
// A worker in_progress with no heartbeat for longer than the threshold is
// flagged suspect. One threshold later (or once it is 2x stale), a dead
// process is force-failed; a live one is force-failed and terminated only
// past 2x the threshold. A new heartbeat clears the suspicion.
func (m *Monitor) Check(now time.Time) (Snapshot, error) {
	records, listErr := m.store.List()
	if listErr != nil && len(records) == 0 {
		return m.Snapshot(), fmt.Errorf("list status records: %w", listErr)
	}

	snap := m.apply(records, now)
	if m.onChange != nil {
		m.onChange(snap)
	}
	if listErr != nil {
		return snap, fmt.Errorf("list status records: %w", listErr)
	}
	return snap, nil
}

func (m *Monitor) apply(records []*models.WorkerStatus, now time.Time) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(records))
	snap := Snapshot{Taken: now, Counts: make(map[models.Status]int)}

	for _, rec := range records {
		seen[rec.WorkerID] = true
		if rec.Status == models.StatusInProgress {
			if forced := m.checkStale(rec, now); forced != nil {
				rec = forced
			}
		} else {
			delete(m.suspects, rec.WorkerID)
		}

		_, isSuspect := m.suspects[rec.WorkerID]
		snap.Workers = append(snap.Workers, view(rec, now, isSuspect))
		snap.Counts[rec.Status]++
	}
	for id := range m.suspects {
		if !seen[id] {
			delete(m.suspects, id)
		}
	}

	sort.Slice(snap.Workers, func(i, j int) bool {
		return snap.Workers[i].SubTaskID < snap.Workers[j].SubTaskID ||
			(snap.Workers[i].SubTaskID == snap.Workers[j].SubTaskID && snap.Workers[i].WorkerID < snap.Workers[j].WorkerID)
	})
	snap.ForcedFailures = m.forced
	m.last = snap
	return snap
}

// checkStale applies the staleness rule to one in_progress record. It
// returns the forced record if the worker was failed. Caller holds m.mu.
func (m *Monitor) checkStale(rec *models.WorkerStatus, now time.Time) *models.WorkerStatus {
	age := now.Sub(rec.LastUpdate)
	if age <= m.threshold {
		delete(m.suspects, rec.WorkerID)
		return nil
	}

	s, flagged := m.suspects[rec.WorkerID]
	if !flagged || !s.lastUpdate.Equal(rec.LastUpdate) {
		m.suspects[rec.WorkerID] = suspect{since: now, lastUpdate: rec.LastUpdate}
		log.Printf("[monitor] worker %s (%s) has not reported for %s", rec.WorkerID, rec.SubTaskID, age.Round(time.Second))
		return nil
	}

	if m.readOnly {
		return nil
	}
	if now.Sub(s.since) < m.threshold && age <= 2*m.threshold {
		return nil
	}

	pid := pidOf(rec)
	alive := m.probe.Alive(rec.WorkerID, pid)

	var reason string
	switch {
	case !alive:
		reason = fmt.Sprintf("no heartbeat for %s and the worker process is gone", age.Round(time.Second))
	case age > 2*m.threshold:
		m.probe.Terminate(rec.WorkerID)
		reason = fmt.Sprintf("no heartbeat for %s, unresponsive worker terminated", age.Round(time.Second))
	default:
		return nil
	}

	forced, err := m.store.ForceFail(rec.WorkerID, reason, now)
	switch {
	case err == nil:
		m.forced++
		delete(m.suspects, rec.WorkerID)
		log.Printf("[monitor] force-failed worker %s: %s", rec.WorkerID, reason)
		return forced
	case errors.Is(err, status.ErrCompleted), errors.Is(err, status.ErrAlreadyFailed):
		delete(m.suspects, rec.WorkerID)
		return forced
	default:
		log.Printf("[monitor] failed to force-fail worker %s: %v", rec.WorkerID, err)
		return nil
	}
}

// Snapshot returns the view from the most recent pass.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// ForcedFailures returns how many workers this monitor force-failed.
func (m *Monitor) ForcedFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

func view(rec *models.WorkerStatus, now time.Time, isSuspect bool) WorkerView {
	v := WorkerView{
		WorkerID:  rec.WorkerID,
		SubTaskID: rec.SubTaskID,
		Branch:    rec.BranchName,
		Status:    rec.Status,
		Progress:  rec.Progress(),
		Age:       now.Sub(rec.LastUpdate),
		Suspect:   isSuspect,
		Forced:    rec.Forced(),
		Error:     rec.ErrorString(),
		ResultRef: rec.Ref(),
	}
	if rec.CurrentStage != nil {
		v.Stage = *rec.CurrentStage
	}
	return v
}

// pidOf reads the pid a worker recorded in its metadata. JSON decoding
// yields float64.
func pidOf(rec *models.WorkerStatus) int {
	switch v := rec.Metadata[models.MetaPID].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
