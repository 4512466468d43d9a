package cli

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#00D7FF")
	colorSuccess = lipgloss.Color("#87FF5F")
	colorWarning = lipgloss.Color("#FFD700")
	colorDanger  = lipgloss.Color("#FF5555")
	colorMuted   = lipgloss.Color("#777799")
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	dangerStyle  = lipgloss.NewStyle().Foreground(colorDanger)
	panelStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "completed", "success", "ok":
		return successStyle
	case "error", "timeout":
		return dangerStyle
	case "processing", "synthesizing", "degraded":
		return warningStyle
	default:
		return mutedStyle
	}
}
