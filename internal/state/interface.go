package state

import (
	"io"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// RunStore handles run-level persistence operations.
type RunStore interface {
	CreateRun(r *Run) error
	GetRun(id string) (*Run, error)
	ListRuns(limit int) ([]Run, error)
	// FinishRun stores the final summary and per-worker results atomically.
	FinishRun(summary *models.OrchestrationRun) error
}

// ResultStore reads per-worker results.
type ResultStore interface {
	ListResults(runID string) ([]models.ExecutionResult, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// StateStore is the persistence surface the orchestrator depends on.
type StateStore interface {
	io.Closer
	Migrator
	RunStore
	ResultStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ StateStore  = (*DB)(nil)
	_ Migrator    = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
	_ ResultStore = (*DB)(nil)
)
