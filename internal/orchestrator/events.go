package orchestrator

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// EventType represents the type of session event.
type EventType string

const (
	// EventRunStarted is emitted once the run directory and manifest exist.
	EventRunStarted EventType = "run_started"
	// EventWorkerStarted is emitted when the engine starts a worker.
	EventWorkerStarted EventType = "worker_started"
	// EventWorkerFinished carries a worker's terminal result.
	EventWorkerFinished EventType = "worker_finished"
	// EventWorkerForceFailed is emitted when the monitor fails a stale worker.
	EventWorkerForceFailed EventType = "worker_force_failed"
	// EventRunFinished carries the aggregated run.
	EventRunFinished EventType = "run_finished"
)

// Event is a progress notification from a running session.
type Event struct {
	Type      EventType
	RunID     string
	WorkerID  string
	SubTaskID string
	Result    *models.ExecutionResult
	Run       *models.OrchestrationRun
	Message   string
	Timestamp time.Time
}

// eventEmitter delivers events to one subscriber, dropping them rather
// than stalling workers when the subscriber falls behind.
type eventEmitter struct {
	mu      sync.RWMutex
	events  chan Event
	closed  bool
	dropped atomic.Uint64
}

func newEventEmitter(bufferSize int) *eventEmitter {
	return &eventEmitter{events: make(chan Event, bufferSize)}
}

func (e *eventEmitter) emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}

	select {
	case e.events <- ev:
		return
	default:
	}
	select {
	case e.events <- ev:
	case <-time.After(100 * time.Millisecond):
		count := e.dropped.Add(1)
		if count%10 == 1 {
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, ev.Type)
		}
	}
}

func (e *eventEmitter) close() {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.events)
	}
}
