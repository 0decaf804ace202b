package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/pkg/models"
)

type fakeSource struct {
	snap monitor.Snapshot
	err  error
}

func (f *fakeSource) Check(time.Time) (monitor.Snapshot, error) {
	return f.snap, f.err
}

func sampleSnapshot() monitor.Snapshot {
	return monitor.Snapshot{
		Taken: time.Now(),
		Workers: []monitor.WorkerView{
			{WorkerID: "w1", SubTaskID: "task-01", Status: models.StatusCompleted, Progress: 100, ResultRef: "fanout/t/01@abc"},
			{WorkerID: "w2", SubTaskID: "task-02", Status: models.StatusInProgress, Progress: 40, Stage: "Edit: main.go", Age: 3 * time.Second},
			{WorkerID: "w3", SubTaskID: "task-03", Status: models.StatusFailed, Progress: -1, Error: "TIMEOUT: no heartbeat", Forced: true},
			{WorkerID: "w4", SubTaskID: "task-04", Status: models.StatusPending, Progress: -1},
		},
		Counts: map[models.Status]int{
			models.StatusCompleted:  1,
			models.StatusInProgress: 1,
			models.StatusFailed:     1,
			models.StatusPending:    1,
		},
		ForcedFailures: 1,
	}
}

func TestRenderWorkers(t *testing.T) {
	out := RenderWorkers(sampleSnapshot(), 80)

	for _, want := range []string{"task-01", "task-02", "40%", "Edit: main.go", "failed*", "TIMEOUT: no heartbeat", "1 worker(s) force-failed", "3s"} {
		if !strings.Contains(out, want) {
			t.Errorf("RenderWorkers output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderWorkers_Empty(t *testing.T) {
	if out := RenderWorkers(monitor.Snapshot{}, 80); !strings.Contains(out, "No workers yet") {
		t.Errorf("empty snapshot rendered %q", out)
	}
}

func TestWatchModel_SnapshotSchedulesNextPoll(t *testing.T) {
	m := NewWatchModel(&fakeSource{}, WatchOptions{RunID: "01ABC"})

	_, cmd := m.Update(snapshotMsg{snap: sampleSnapshot()})
	if cmd == nil {
		t.Fatal("expected a tick command after a snapshot")
	}
	if m.finished {
		t.Error("view finished without a summary")
	}

	view := m.View()
	if !strings.Contains(view, "run 01ABC") {
		t.Errorf("title missing run id:\n%s", view)
	}
	if !strings.Contains(view, "2/4 done") {
		t.Errorf("overall progress missing:\n%s", view)
	}
}

func TestWatchModel_QuitsWhenFinished(t *testing.T) {
	m := NewWatchModel(&fakeSource{}, WatchOptions{Finished: func() bool { return true }})

	_, cmd := m.Update(snapshotMsg{snap: sampleSnapshot()})
	if !m.finished {
		t.Fatal("finished = false, want true")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
	if !strings.Contains(m.View(), "run finished") {
		t.Error("footer should report the finished run")
	}
}

func TestWatchModel_CancelKey(t *testing.T) {
	calls := 0
	m := NewWatchModel(&fakeSource{}, WatchOptions{Cancel: func() error {
		calls++
		return nil
	}})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	if cmd == nil {
		t.Fatal("expected cancel command")
	}
	m.Update(cmd())
	if calls != 1 {
		t.Errorf("cancel calls = %d, want 1", calls)
	}
	if !m.canceling {
		t.Error("canceling = false, want true")
	}

	if _, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")}); cmd != nil {
		t.Error("second cancel press should be ignored")
	}
}

func TestWatchModel_CancelError(t *testing.T) {
	m := NewWatchModel(&fakeSource{}, WatchOptions{Cancel: func() error { return errors.New("read-only") }})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	m.Update(cmd())
	if m.canceling {
		t.Error("a failed cancel should allow retrying")
	}
	if !strings.Contains(m.View(), "cancel: read-only") {
		t.Error("cancel error should be shown")
	}
}

func TestWatchModel_SourceError(t *testing.T) {
	m := NewWatchModel(&fakeSource{}, WatchOptions{})
	m.Update(snapshotMsg{err: errors.New("status dir missing")})
	if !strings.Contains(m.View(), "status dir missing") {
		t.Error("source error should be shown")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"a much longer stage label", 10, "a much ..."},
		{"multi\nline", 20, "multi line"},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		d    time.Duration
		s    models.Status
		want string
	}{
		{5 * time.Second, models.StatusInProgress, "5s"},
		{90 * time.Second, models.StatusInProgress, "1m30s"},
		{2*time.Hour + 5*time.Minute, models.StatusPending, "2h05m"},
		{time.Hour, models.StatusCompleted, ""},
	}
	for _, tt := range tests {
		if got := formatAge(tt.d, tt.s); got != tt.want {
			t.Errorf("formatAge(%v, %s) = %q, want %q", tt.d, tt.s, got, tt.want)
		}
	}
}
