package orchestrator

import (
	"time"

	"github.com/ShayCichocki/fanout/internal/agent"
	"github.com/ShayCichocki/fanout/internal/aggregate"
	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/internal/state"
	"github.com/ShayCichocki/fanout/internal/tracker"
)

// RequiredConfig contains the collaborators a Session cannot run without.
type RequiredConfig struct {
	// Agent executes each sub-task.
	Agent agent.Agent
	// Workspaces hands out one isolated workspace per worker.
	Workspaces agent.WorkspaceProvider
}

// Option configures a Session. Use With* functions to create Options.
type Option func(*sessionOptions)

type sessionOptions struct {
	config       Config
	logger       *DebugLogger
	stateDB      *state.DB
	followUps    tracker.Tracker
	investigator aggregate.Investigator
	clock        func() time.Time
	runID        string
	eventBuffer  int
	onSnapshot   func(monitor.Snapshot)
}

// WithConfig replaces the default settings.
func WithConfig(c Config) Option {
	return func(o *sessionOptions) { o.config = c }
}

// WithLogger sets the debug logger. By default the session logs to
// orchestrator.log in the run directory.
func WithLogger(l *DebugLogger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithStateDB records runs in the run history database.
func WithStateDB(db *state.DB) Option {
	return func(o *sessionOptions) { o.stateDB = db }
}

// WithFollowUps sends follow-ups for failed sub-tasks to a tracker.
func WithFollowUps(t tracker.Tracker) Option {
	return func(o *sessionOptions) { o.followUps = t }
}

// WithInvestigator enables root-cause analysis of failed runs.
func WithInvestigator(i aggregate.Investigator) Option {
	return func(o *sessionOptions) { o.investigator = i }
}

// WithClock overrides time.Now (mainly for testing).
func WithClock(now func() time.Time) Option {
	return func(o *sessionOptions) { o.clock = now }
}

// WithRunID fixes the run ID instead of generating a ULID.
func WithRunID(id string) Option {
	return func(o *sessionOptions) { o.runID = id }
}

// WithEvents enables the Events channel with the given buffer size.
func WithEvents(bufferSize int) Option {
	return func(o *sessionOptions) { o.eventBuffer = bufferSize }
}

// WithSnapshotHook receives every monitor snapshot taken during Run.
func WithSnapshotHook(fn func(monitor.Snapshot)) Option {
	return func(o *sessionOptions) { o.onSnapshot = fn }
}
