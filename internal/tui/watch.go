package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/fanout/internal/monitor"
	"github.com/ShayCichocki/fanout/pkg/models"
)

// DefaultRefresh is how often the view re-reads the run.
const DefaultRefresh = 250 * time.Millisecond

// Source yields progress snapshots. A read-only monitor.Monitor is the
// usual implementation.
type Source interface {
	Check(now time.Time) (monitor.Snapshot, error)
}

// WatchOptions configures the watch view.
type WatchOptions struct {
	// RunID is shown in the title.
	RunID string
	// Refresh is the polling interval. Defaults to DefaultRefresh.
	Refresh time.Duration
	// Finished reports whether the run has written its summary.
	Finished func() bool
	// Cancel is invoked when the user presses "c". Nil disables the key.
	Cancel func() error
}

type tickMsg time.Time

type snapshotMsg struct {
	snap monitor.Snapshot
	err  error
}

type cancelMsg struct{ err error }

// WatchModel is the bubbletea model of the watch view.
type WatchModel struct {
	src     Source
	opts    WatchOptions
	bar     progress.Model
	spinner spinner.Model

	snap      monitor.Snapshot
	err       error
	width     int
	finished  bool
	canceling bool
	quitting  bool
}

// NewWatchModel creates the view model.
func NewWatchModel(src Source, opts WatchOptions) *WatchModel {
	if opts.Refresh <= 0 {
		opts.Refresh = DefaultRefresh
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &WatchModel{
		src:     src,
		opts:    opts,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		spinner: sp,
		width:   80,
	}
}

// Init implements tea.Model.
func (m *WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m *WatchModel) poll() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		snap, err := src.Check(time.Now())
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *WatchModel) tick() tea.Cmd {
	return tea.Tick(m.opts.Refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (m *WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "c":
			if m.opts.Cancel != nil && !m.canceling && !m.finished {
				m.canceling = true
				cancel := m.opts.Cancel
				return m, func() tea.Msg { return cancelMsg{err: cancel()} }
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(60, max(10, msg.Width-30))

	case tickMsg:
		return m, m.poll()

	case snapshotMsg:
		m.snap, m.err = msg.snap, msg.err
		if m.opts.Finished != nil && m.opts.Finished() {
			m.finished = true
			return m, tea.Quit
		}
		return m, m.tick()

	case cancelMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("cancel: %w", msg.err)
			m.canceling = false
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *WatchModel) View() string {
	var b strings.Builder

	title := "fanout"
	if m.opts.RunID != "" {
		title += " · run " + m.opts.RunID
	}
	if !m.finished && !m.quitting {
		title = m.spinner.View() + " " + title
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n\n")

	total := m.snap.Total()
	done := m.snap.Counts[models.StatusCompleted] + m.snap.Counts[models.StatusFailed]
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total)
	}
	fmt.Fprintf(&b, "%s  %d/%d done\n\n", m.bar.ViewAs(pct), done, total)

	b.WriteString(RenderWorkers(m.snap, m.width))

	if m.err != nil {
		b.WriteString("\n" + statusFailed.Render("error: "+m.err.Error()))
	}

	footer := "q quit"
	if m.opts.Cancel != nil {
		footer += " · c cancel run"
	}
	switch {
	case m.canceling:
		footer = "cancel requested, waiting for workers to stop · " + footer
	case m.finished:
		footer = "run finished"
	}
	b.WriteString(footerStyle.Render(footer))
	b.WriteString("\n")
	return b.String()
}

// RenderWorkers renders the per-worker table of a snapshot.
func RenderWorkers(snap monitor.Snapshot, width int) string {
	if len(snap.Workers) == 0 {
		return rowStyle.Render("No workers yet") + "\n"
	}

	colTask := 28
	colStage := 24
	if width > 100 {
		colStage = width - 76
	}

	var b strings.Builder
	header := fmt.Sprintf("%-5s %-*s %-12s %5s %-*s %8s", "", colTask, "SUB-TASK", "STATUS", "PCT", colStage, "STAGE", "AGE")
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	for _, w := range snap.Workers {
		pct := "-"
		if w.Progress >= 0 {
			pct = fmt.Sprintf("%d%%", w.Progress)
		}
		stage := w.Stage
		if w.Status == models.StatusFailed {
			stage = w.Error
		} else if w.Status == models.StatusCompleted {
			stage = w.ResultRef
		}
		statusText := string(w.Status)
		if w.Forced {
			statusText = "failed*"
		}
		row := fmt.Sprintf("%-*s %-12s %5s %-*s %8s",
			colTask, truncate(w.SubTaskID, colTask),
			statusText,
			pct,
			colStage, truncate(stage, colStage),
			formatAge(w.Age, w.Status))
		b.WriteString(statusIcon(w.Status, w.Suspect) + "   " + rowStyle.Render(row) + "\n")
	}

	if snap.ForcedFailures > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("* %d worker(s) force-failed after missing heartbeats", snap.ForcedFailures)))
		b.WriteString("\n")
	}
	return b.String()
}

func formatAge(d time.Duration, s models.Status) string {
	if s.Terminal() {
		return ""
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// RunWatch runs the watch view until the run finishes or the user quits.
func RunWatch(src Source, opts WatchOptions) error {
	p := tea.NewProgram(NewWatchModel(src, opts))
	_, err := p.Run()
	return err
}
