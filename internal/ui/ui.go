// Package ui holds the terminal styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	Accent  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	Warn    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	Error   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	Muted   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// RunStatus colors a run status for terminal output.
func RunStatus(status string) string {
	switch status {
	case "success":
		return Success.Render(status)
	case "partial":
		return Warn.Render(status)
	case "failed":
		return Error.Render(status)
	case "running":
		return Accent.Render(status)
	default:
		return status
	}
}
