package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState is the last /healthz answer plus stream connectivity.
type HealthState struct {
	Health
	Connected bool
	LastEvent time.Time
}

func renderHeader(h HealthState, apiURL string, theme Theme, width int) string {
	inner := width - 4

	status := theme.OK.Render("ONLINE")
	switch {
	case !h.Connected:
		status = theme.Failed.Render("CONNECTING")
	case h.Status != "" && h.Status != "ok":
		status = theme.Failed.Render(strings.ToUpper(h.Status))
	}

	title := " DEPLOYHOOK WATCH " + theme.Dim.Render(apiURL)
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := inner - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}

	lastEvent := "never"
	if !h.LastEvent.IsZero() {
		lastEvent = formatAgo(time.Since(h.LastEvent))
	}

	stats := fmt.Sprintf(" %s  up %s  apps: %d  watchers: %d  last event: %s",
		status,
		formatUptime(time.Duration(h.UptimeSeconds)*time.Second),
		h.AppsLoaded,
		h.Subscribers,
		lastEvent,
	)

	return theme.Border.Width(inner).Render(lipgloss.JoinVertical(lipgloss.Left,
		title+strings.Repeat(" ", pad)+clock,
		stats,
	))
}

func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
