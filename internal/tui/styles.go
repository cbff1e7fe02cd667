package tui

import "github.com/charmbracelet/lipgloss"

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	ColorBase     = lipgloss.Color("#1e1e2e")
	ColorSurface0 = lipgloss.Color("#313244")
	ColorSurface1 = lipgloss.Color("#45475a")
	ColorText     = lipgloss.Color("#cdd6f4")
	ColorSubtext0 = lipgloss.Color("#a6adc8")

	ColorRed      = lipgloss.Color("#f38ba8")
	ColorGreen    = lipgloss.Color("#a6e3a1")
	ColorYellow   = lipgloss.Color("#f9e2af")
	ColorBlue     = lipgloss.Color("#89b4fa")
	ColorMauve    = lipgloss.Color("#cba6f7")
	ColorPeach    = lipgloss.Color("#fab387")
	ColorLavender = lipgloss.Color("#b4befe")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBase).
			Background(ColorBlue).
			Padding(0, 2).
			MarginBottom(1)

	ActiveTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorBase).
			Background(ColorMauve).
			Padding(0, 2)

	InactiveTabStyle = lipgloss.NewStyle().
				Foreground(ColorSubtext0).
				Background(ColorSurface0).
				Padding(0, 2)

	CardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorSurface1).
			Padding(0, 1).
			MarginBottom(1)

	CardTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ColorLavender).
			MarginBottom(1)

	SelectedRowStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ColorBase).
				Background(ColorBlue)

	EmptyStateStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext0).
			Italic(true)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(ColorRed).
			Bold(true)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(ColorSubtext0).
			Background(ColorSurface0).
			Padding(0, 1)
)

// riskStyle colors a risk or status word by how alarming it is.
func riskStyle(word string) lipgloss.Style {
	switch word {
	case "critical", "failed", "checkpoint_failed", "stopped":
		return lipgloss.NewStyle().Foreground(ColorRed).Bold(true)
	case "high", "suspended", "waiting_checkpoint":
		return lipgloss.NewStyle().Foreground(ColorPeach)
	case "medium", "partially_completed":
		return lipgloss.NewStyle().Foreground(ColorYellow)
	case "running", "completed", "low":
		return lipgloss.NewStyle().Foreground(ColorGreen)
	default:
		return lipgloss.NewStyle().Foreground(ColorText)
	}
}
