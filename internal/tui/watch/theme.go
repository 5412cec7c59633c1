// Package watch is the live terminal dashboard behind "deployhook watch". It
// follows the admin API event stream and shows in-flight runs per app.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme holds every style the dashboard renders with.
type Theme struct {
	OK        lipgloss.Style
	Running   lipgloss.Style
	Failed    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Selected  lipgloss.Style

	Border lipgloss.Style
	Title  lipgloss.Style
}

func NewDefaultTheme() Theme {
	return Theme{
		OK:        lipgloss.NewStyle().Foreground(lipgloss.Color("#00D75F")),
		Running:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")),
		Failed:    lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
		Selected: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#5F87AF")),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
	}
}
