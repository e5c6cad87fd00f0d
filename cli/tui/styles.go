// Package tui provides Bubble Tea views for the namazing CLI.
//
// Views are read-only. They show the same run data the json/yaml/table
// renderers print, with no data of their own.
package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/namazing/types"
)

// Color palette.
var (
	primaryColor   = lipgloss.Color("#7C3AED") // Purple
	successColor   = lipgloss.Color("#10B981") // Green
	warningColor   = lipgloss.Color("#F59E0B") // Amber
	errorColor     = lipgloss.Color("#EF4444") // Red
	mutedColor     = lipgloss.Color("#6B7280") // Gray
	highlightColor = lipgloss.Color("#3B82F6") // Blue
)

// Styles for TUI components.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	LabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(10)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF"))

	SuccessStyle = lipgloss.NewStyle().Foreground(successColor)
	WarningStyle = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	MutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)

	// AgentStyle pads agent names into a column.
	AgentStyle = lipgloss.NewStyle().
			Foreground(highlightColor).
			Width(18)

	BoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2)

	HelpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginTop(1)

	StatBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlightColor).
			Padding(0, 2).
			Width(16).
			Align(lipgloss.Center)

	StatLabelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Align(lipgloss.Center)

	StatValueStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Align(lipgloss.Center)
)

// StatusStyle returns the style for a run status.
func StatusStyle(status types.RunStatus) lipgloss.Style {
	switch status {
	case types.StatusCompleted:
		return SuccessStyle
	case types.StatusRunning, types.StatusPending:
		return WarningStyle
	case types.StatusFailed:
		return ErrorStyle
	default:
		return ValueStyle
	}
}

// EventStyle returns the style for an event line.
func EventStyle(t types.EventType) lipgloss.Style {
	switch t {
	case types.EventTypeError:
		return ErrorStyle
	case types.EventTypeDone, types.EventTypeResult:
		return SuccessStyle
	case types.EventTypeStart:
		return ValueStyle
	default:
		return MutedStyle
	}
}

func statBox(label, value string) string {
	return StatBoxStyle.Render(StatLabelStyle.Render(label) + "\n" + StatValueStyle.Render(value))
}
