package state

import (
	"fmt"
	"log"
	"time"
)

// InterruptedRun is an active run whose owning process is gone.
type InterruptedRun struct {
	RunID     string
	RunDir    string
	StartedAt time.Time
	OwnerPID  int
}

// RecoveryManager detects runs left active by a process that died before
// writing its summary.
type RecoveryManager struct {
	db    *DB
	alive func(pid int) bool
}

// NewRecoveryManager creates a RecoveryManager. alive reports whether a
// process exists.
func NewRecoveryManager(db *DB, alive func(pid int) bool) *RecoveryManager {
	return &RecoveryManager{db: db, alive: alive}
}

// CheckForInterrupted lists active runs whose owner process is not running.
func (rm *RecoveryManager) CheckForInterrupted() ([]InterruptedRun, error) {
	runs, err := rm.db.ListRunsByStatus(RunActive)
	if err != nil {
		return nil, fmt.Errorf("list active runs: %w", err)
	}

	var out []InterruptedRun
	for _, r := range runs {
		if r.OwnerPID > 0 && rm.alive(r.OwnerPID) {
			continue
		}
		out = append(out, InterruptedRun{
			RunID:     r.ID,
			RunDir:    r.RunDir,
			StartedAt: r.StartedAt,
			OwnerPID:  r.OwnerPID,
		})
	}
	return out, nil
}

// MarkInterrupted flags every interrupted run so it stops showing as active.
// Returns the runs that were marked.
func (rm *RecoveryManager) MarkInterrupted() ([]InterruptedRun, error) {
	runs, err := rm.CheckForInterrupted()
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		if err := rm.db.SetRunStatus(r.RunID, RunInterrupted); err != nil {
			return nil, fmt.Errorf("mark run %s interrupted: %w", r.RunID, err)
		}
		log.Printf("[state] run %s (pid %d) was interrupted", r.RunID, r.OwnerPID)
	}
	return runs, nil
}
