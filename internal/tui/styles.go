// Package tui renders the live progress view of a fanout run.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/fanout/pkg/models"
)

// Status icons for worker states.
const (
	iconRunning = "[●]"
	iconSuspect = "[◐]"
	iconDone    = "[✓]"
	iconFailed  = "[✗]"
	iconPending = "[○]"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#4ECDC4"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))  // Green
	statusSuspect = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("28"))  // Dark green
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // Red
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("244")) // Gray

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			MarginTop(1)
)

// statusIcon returns the styled icon for a worker.
func statusIcon(s models.Status, suspect bool) string {
	switch {
	case s == models.StatusInProgress && suspect:
		return statusSuspect.Render(iconSuspect)
	case s == models.StatusInProgress:
		return statusRunning.Render(iconRunning)
	case s == models.StatusCompleted:
		return statusDone.Render(iconDone)
	case s == models.StatusFailed:
		return statusFailed.Render(iconFailed)
	default:
		return statusPending.Render(iconPending)
	}
}
