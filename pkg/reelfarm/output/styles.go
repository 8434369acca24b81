package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Color constants using the ANSI 256-color palette.
const (
	// ColorPrimary is used for headers and emphasized numbers (bright blue).
	ColorPrimary = lipgloss.Color("39")

	// ColorSuccess is used for completed tasks and healthy state (green).
	ColorSuccess = lipgloss.Color("42")

	// ColorWarning is used for running tasks and warnings (orange/yellow).
	ColorWarning = lipgloss.Color("214")

	// ColorDanger is used for failures (red).
	ColorDanger = lipgloss.Color("196")

	// ColorMuted is used for secondary text (gray).
	ColorMuted = lipgloss.Color("245")
)

// Box styles for containing grouped content.
var (
	HeaderBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorPrimary).
			Padding(0, 1).
			MarginBottom(1)

	FooterBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorMuted).
			Padding(0, 1).
			MarginTop(1)
)

// Text styles.
var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorPrimary)

	LabelStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	ValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	SuccessStyle = lipgloss.NewStyle().
			Foreground(ColorSuccess)

	WarningStyle = lipgloss.NewStyle().
			Foreground(ColorWarning)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorDanger)

	MutedStyle = lipgloss.NewStyle().
			Foreground(ColorMuted)

	NumberStyle = lipgloss.NewStyle().
			Foreground(ColorPrimary).
			Bold(true)
)

// TableHeaderStyle is used for table column headers.
var TableHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(ColorMuted)

// StatusStyle returns the style for a task status.
func StatusStyle(s types.Status) lipgloss.Style {
	switch s {
	case types.StatusCompleted:
		return SuccessStyle
	case types.StatusRunning:
		return WarningStyle
	case types.StatusFailed:
		return ErrorStyle
	default:
		return MutedStyle
	}
}
