// Package engine dispatches worker handles under a concurrency bound.
//
// The engine never lets one worker's failure reach its siblings: panics,
// watchdog expiries and cancellation all turn into ordinary failed results,
// and every handle yields exactly one result.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// DefaultGrace is how long past its own timeout a worker may run before the
// watchdog terminates it.
const DefaultGrace = 30 * time.Second

// Runnable is a unit of work the engine can schedule. worker.Handle is the
// production implementation.
type Runnable interface {
	ID() string
	SubTaskID() string
	// Timeout is the handle's own deadline; zero disables the watchdog.
	Timeout() time.Duration
	Run(ctx context.Context) models.ExecutionResult
	Terminate()
	// Abort fails the handle from outside its Run and returns the result.
	Abort(errType models.ErrorType, exitCode int, message string) models.ExecutionResult
}

// Engine runs handles in parallel.
type Engine struct {
	grace    time.Duration
	onStart  func(Runnable)
	onResult func(models.ExecutionResult)
}

// Option configures an Engine.
type Option func(*Engine)

// WithGrace sets the watchdog grace period.
func WithGrace(d time.Duration) Option {
	return func(e *Engine) { e.grace = d }
}

// WithStartHook is called just before a handle starts.
func WithStartHook(fn func(Runnable)) Option {
	return func(e *Engine) { e.onStart = fn }
}

// WithResultHook is called once per result, in completion order.
func WithResultHook(fn func(models.ExecutionResult)) Option {
	return func(e *Engine) { e.onResult = fn }
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{grace: DefaultGrace}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunParallel runs handles with the default engine.
func RunParallel(ctx context.Context, handles []Runnable, maxWorkers int) []models.ExecutionResult {
	return New().RunParallel(ctx, handles, maxWorkers)
}

// RunParallel starts handles in the given order, at most maxWorkers at a
// time, and returns one result per handle in completion order. When ctx
// ends, handles that have not started are aborted with a canceled result.
func (e *Engine) RunParallel(ctx context.Context, handles []Runnable, maxWorkers int) []models.ExecutionResult {
	if len(handles) == 0 {
		return nil
	}
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if maxWorkers > len(handles) {
		maxWorkers = len(handles)
	}

	sem := semaphore.NewWeighted(int64(maxWorkers))
	resultCh := make(chan models.ExecutionResult, len(handles))

	for i, h := range handles {
		if err := sem.Acquire(ctx, 1); err != nil {
			e.cancelRemaining(handles[i:], resultCh)
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			e.cancelRemaining(handles[i:], resultCh)
			break
		}

		if e.onStart != nil {
			e.onStart(h)
		}
		go func(h Runnable) {
			defer sem.Release(1)
			resultCh <- e.runOne(ctx, h)
		}(h)
	}

	results := make([]models.ExecutionResult, 0, len(handles))
	for range handles {
		res := <-resultCh
		if e.onResult != nil {
			e.onResult(res)
		}
		results = append(results, res)
	}
	return results
}

func (e *Engine) cancelRemaining(rest []Runnable, out chan<- models.ExecutionResult) {
	for _, h := range rest {
		log.Printf("[engine] run canceled before %s started", h.ID())
		out <- h.Abort(models.ErrorTimeout, models.ExitCodeCanceled, "run canceled before the worker started")
	}
}

// runOne runs a single handle, converting a panic into a failed result and
// enforcing the watchdog.
func (e *Engine) runOne(ctx context.Context, h Runnable) models.ExecutionResult {
	done := make(chan models.ExecutionResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[engine] worker %s panicked: %v", h.ID(), r)
				done <- h.Abort(models.ErrorUnknown, models.ExitCodePanic, fmt.Sprintf("worker panicked: %v", r))
			}
		}()
		done <- h.Run(ctx)
	}()

	timeout := h.Timeout()
	if timeout <= 0 {
		return <-done
	}

	watchdog := time.NewTimer(timeout + e.grace)
	defer watchdog.Stop()

	select {
	case res := <-done:
		return res
	case <-watchdog.C:
	}

	log.Printf("[engine] worker %s exceeded %v, terminating", h.ID(), timeout)
	h.Terminate()

	stopped := time.NewTimer(e.grace)
	defer stopped.Stop()
	select {
	case res := <-done:
		return res
	case <-stopped.C:
		log.Printf("[engine] worker %s did not stop, abandoning it", h.ID())
		return h.Abort(models.ErrorTimeout, models.ExitCodeTimeout, fmt.Sprintf("worker did not stop within %v of its timeout", timeout+2*e.grace))
	}
}
