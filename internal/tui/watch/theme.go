// Package watch implements the triggerhost watch TUI: a live view of
// listeners and function invocations fed by the /events stream.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds the styles shared by every panel.
type Theme struct {
	Succeeded lipgloss.Style
	Running   lipgloss.Style
	Failed    lipgloss.Style
	Muted     lipgloss.Style
	Accent    lipgloss.Style
	Title     lipgloss.Style
	Panel     lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		Succeeded: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		Muted:     lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		Accent:    lipgloss.NewStyle().Foreground(lipgloss.Color("81")),
		Title:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("255")).Padding(0, 1),
		Panel: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("63")),
	}
}
