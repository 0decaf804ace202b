package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/fanout/pkg/models"
)

type fakeRunnable struct {
	id      string
	timeout time.Duration
	run     func(ctx context.Context, f *fakeRunnable) models.ExecutionResult

	termOnce   sync.Once
	terminated chan struct{}
	aborts     atomic.Int32
}

func newFake(id string, run func(ctx context.Context, f *fakeRunnable) models.ExecutionResult) *fakeRunnable {
	return &fakeRunnable{id: id, run: run, terminated: make(chan struct{})}
}

func (f *fakeRunnable) ID() string             { return f.id }
func (f *fakeRunnable) SubTaskID() string      { return "sub-" + f.id }
func (f *fakeRunnable) Timeout() time.Duration { return f.timeout }

func (f *fakeRunnable) Run(ctx context.Context) models.ExecutionResult {
	return f.run(ctx, f)
}

func (f *fakeRunnable) Terminate() {
	f.termOnce.Do(func() { close(f.terminated) })
}

func (f *fakeRunnable) Abort(t models.ErrorType, exitCode int, msg string) models.ExecutionResult {
	f.aborts.Add(1)
	return models.ExecutionResult{
		WorkerID:  f.id,
		SubTaskID: f.SubTaskID(),
		ExitCode:  exitCode,
		Status:    models.StatusFailed,
		Error:     models.WorkerError{Type: t, Message: msg}.String(),
	}
}

func completed(f *fakeRunnable) models.ExecutionResult {
	return models.ExecutionResult{WorkerID: f.id, SubTaskID: f.SubTaskID(), Status: models.StatusCompleted, ResultRef: "ref-" + f.id}
}

func toRunnables(fs ...*fakeRunnable) []Runnable {
	out := make([]Runnable, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

func TestRunParallel_OneResultPerHandle(t *testing.T) {
	var fakes []*fakeRunnable
	for i := 0; i < 12; i++ {
		fakes = append(fakes, newFake(string(rune('a'+i)), func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
			time.Sleep(time.Millisecond)
			return completed(f)
		}))
	}

	results := RunParallel(context.Background(), toRunnables(fakes...), 4)

	require.Len(t, results, len(fakes))
	seen := make(map[string]bool)
	for _, r := range results {
		assert.False(t, seen[r.WorkerID], "duplicate result for %s", r.WorkerID)
		seen[r.WorkerID] = true
		assert.Equal(t, models.StatusCompleted, r.Status)
	}
}

func TestRunParallel_RespectsMaxWorkers(t *testing.T) {
	var running, peak atomic.Int32
	var fakes []*fakeRunnable
	for i := 0; i < 10; i++ {
		fakes = append(fakes, newFake(string(rune('a'+i)), func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return completed(f)
		}))
	}

	results := RunParallel(context.Background(), toRunnables(fakes...), 3)
	assert.Len(t, results, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.GreaterOrEqual(t, peak.Load(), int32(2), "work should overlap")
}

func TestRunParallel_FIFOStartOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	var fakes []*fakeRunnable
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		fakes = append(fakes, newFake(id, func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
			return completed(f)
		}))
	}

	e := New(WithStartHook(func(r Runnable) {
		mu.Lock()
		started = append(started, r.ID())
		mu.Unlock()
	}))
	results := e.RunParallel(context.Background(), toRunnables(fakes...), 1)

	assert.Len(t, results, 4)
	assert.Equal(t, []string{"w1", "w2", "w3", "w4"}, started)
}

func TestRunParallel_ResultsInCompletionOrder(t *testing.T) {
	slow := newFake("slow", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		time.Sleep(50 * time.Millisecond)
		return completed(f)
	})
	fast := newFake("fast", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		return completed(f)
	})

	var hooked []string
	e := New(WithResultHook(func(r models.ExecutionResult) { hooked = append(hooked, r.WorkerID) }))
	results := e.RunParallel(context.Background(), toRunnables(slow, fast), 2)

	require.Len(t, results, 2)
	assert.Equal(t, "fast", results[0].WorkerID)
	assert.Equal(t, "slow", results[1].WorkerID)
	assert.Equal(t, []string{"fast", "slow"}, hooked)
}

func TestRunParallel_PanicIsIsolated(t *testing.T) {
	bad := newFake("bad", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		panic("boom")
	})
	good := newFake("good", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		return completed(f)
	})

	results := RunParallel(context.Background(), toRunnables(bad, good), 2)
	require.Len(t, results, 2)

	byID := map[string]models.ExecutionResult{}
	for _, r := range results {
		byID[r.WorkerID] = r
	}
	assert.Equal(t, models.ExitCodePanic, byID["bad"].ExitCode)
	assert.Equal(t, models.StatusFailed, byID["bad"].Status)
	assert.Contains(t, byID["bad"].Error, "boom")
	assert.Equal(t, models.StatusCompleted, byID["good"].Status)
}

func TestRunParallel_WatchdogTerminatesOnlyThatWorker(t *testing.T) {
	stuck := newFake("stuck", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		<-f.terminated
		return models.ExecutionResult{WorkerID: f.id, Status: models.StatusFailed, ExitCode: models.ExitCodeTimeout,
			Error: models.NewWorkerError(models.ErrorTimeout, "terminated")}
	})
	stuck.timeout = 10 * time.Millisecond
	other := newFake("other", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		time.Sleep(30 * time.Millisecond)
		return completed(f)
	})

	results := New(WithGrace(10*time.Millisecond)).RunParallel(context.Background(), toRunnables(stuck, other), 2)
	require.Len(t, results, 2)

	byID := map[string]models.ExecutionResult{}
	for _, r := range results {
		byID[r.WorkerID] = r
	}
	assert.Equal(t, models.ExitCodeTimeout, byID["stuck"].ExitCode)
	assert.Equal(t, models.StatusCompleted, byID["other"].Status)
	select {
	case <-other.terminated:
		t.Error("watchdog terminated the wrong worker")
	default:
	}
}

func TestRunParallel_WatchdogAbandonsUnresponsiveWorker(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	deaf := newFake("deaf", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		<-block
		return completed(f)
	})
	deaf.timeout = 10 * time.Millisecond

	results := New(WithGrace(10*time.Millisecond)).RunParallel(context.Background(), toRunnables(deaf), 1)
	require.Len(t, results, 1)
	assert.Equal(t, models.ExitCodeTimeout, results[0].ExitCode)
	assert.Equal(t, int32(1), deaf.aborts.Load())
}

func TestRunParallel_CancelAbortsUnstarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	first := newFake("first", func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
		cancel()
		<-ctx.Done()
		return f.Abort(models.ErrorTimeout, models.ExitCodeCanceled, "canceled")
	})
	var never []*fakeRunnable
	for _, id := range []string{"n1", "n2", "n3"} {
		never = append(never, newFake(id, func(ctx context.Context, f *fakeRunnable) models.ExecutionResult {
			t.Errorf("%s should not start", f.id)
			return completed(f)
		}))
	}

	results := RunParallel(ctx, toRunnables(append([]*fakeRunnable{first}, never...)...), 1)
	require.Len(t, results, 4)
	for _, r := range results {
		assert.Equal(t, models.StatusFailed, r.Status)
		assert.Equal(t, models.ExitCodeCanceled, r.ExitCode)
	}
}

func TestRunParallel_Empty(t *testing.T) {
	assert.Empty(t, RunParallel(context.Background(), nil, 4))
}
