package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deployhook/internal/events"
)

const shownEvents = 10

func renderEventStream(log []events.Event, theme Theme, width int) string {
	title := theme.Title.Render("EVENTS")
	if len(log) == 0 {
		return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  Waiting for events..."),
		))
	}

	lines := make([]string, 0, shownEvents)
	for _, e := range log[:min(len(log), shownEvents)] {
		lines = append(lines, formatEvent(e, theme))
	}
	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func eventStyle(eventType string, theme Theme) lipgloss.Style {
	switch eventType {
	case events.RunSucceeded, events.PhaseCompleted, events.DeliveryAccepted:
		return theme.OK
	case events.RunFailed, events.PhaseFailed, events.DeliveryRejected:
		return theme.Failed
	case events.RunStarted, events.PrehookSuperseded:
		return theme.Running
	default:
		return theme.Dim
	}
}

func formatEvent(e events.Event, theme Theme) string {
	return fmt.Sprintf("%s %s %s",
		theme.Dim.Render(e.At.Format("15:04:05")),
		eventStyle(e.Type, theme).Render(fmt.Sprintf("%-18s", e.Type)),
		describeEvent(e),
	)
}

// describeEvent summarises the payload of e on one line.
func describeEvent(e events.Event) string {
	p := decodePayload(e)
	var parts []string
	if p.App != "" {
		parts = append(parts, p.App)
	}
	if p.RunID != "" {
		parts = append(parts, "["+shortID(p.RunID)+"]")
	}
	if p.Phase != "" {
		parts = append(parts, p.Phase)
	}
	if p.Reason != "" {
		parts = append(parts, p.Reason)
	}
	if p.Commit != "" {
		parts = append(parts, "@"+shortID(p.Commit))
	}
	if p.Error != "" {
		parts = append(parts, truncate(p.Error, 60))
	}
	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}
