package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deployhook/internal/events"
)

// AppState is what the event stream has shown about one app.
type AppState struct {
	Name string
	// Active runs keyed by run id.
	Active map[string]*RunState

	LastStatus string // succeeded or failed
	LastError  string
	LastRun    time.Time
	Deliveries int
	Rejected   int
}

// RunState is an in-flight pipeline run.
type RunState struct {
	ID         string
	Trigger    string
	Phase      string // last phase that finished
	Superseded bool
	Started    time.Time
}

type payload struct {
	App     string `json:"app"`
	RunID   string `json:"run_id"`
	Trigger string `json:"trigger"`
	Phase   string `json:"phase"`
	Error   string `json:"error"`
	Reason  string `json:"reason"`
	Commit  string `json:"commit"`
}

func decodePayload(e events.Event) payload {
	var p payload
	_ = json.Unmarshal(e.Data, &p)
	return p
}

func appState(apps map[string]*AppState, name string) *AppState {
	a, ok := apps[name]
	if !ok {
		a = &AppState{Name: name, Active: make(map[string]*RunState)}
		apps[name] = a
	}
	return a
}

// applyEvent folds e into apps. It reports whether a run finished.
func applyEvent(apps map[string]*AppState, e events.Event, now time.Time) bool {
	p := decodePayload(e)
	if p.App == "" {
		return false
	}
	a := appState(apps, p.App)

	switch e.Type {
	case events.DeliveryAccepted:
		a.Deliveries++
	case events.DeliveryRejected:
		a.Deliveries++
		a.Rejected++
	case events.RunStarted:
		a.Active[p.RunID] = &RunState{ID: p.RunID, Trigger: p.Trigger, Started: now}
	case events.PhaseCompleted, events.PhaseSkipped, events.PhaseFailed:
		if r, ok := a.Active[p.RunID]; ok && e.Type != events.PhaseSkipped {
			r.Phase = p.Phase
		}
	case events.PrehookSuperseded:
		if r, ok := a.Active[p.RunID]; ok {
			r.Superseded = true
		}
	case events.RunSucceeded, events.RunFailed:
		delete(a.Active, p.RunID)
		a.LastRun = now
		a.LastError = p.Error
		a.LastStatus = "succeeded"
		if e.Type == events.RunFailed {
			a.LastStatus = "failed"
		}
		return true
	}
	return false
}

func sortedApps(apps map[string]*AppState) []*AppState {
	out := make([]*AppState, 0, len(apps))
	for _, a := range apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func renderApps(apps map[string]*AppState, selected int, spin string, theme Theme, width int) string {
	title := theme.Title.Render("APPS")
	if len(apps) == 0 {
		return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
			title,
			theme.Dim.Render("  No deliveries yet..."),
		))
	}

	lines := []string{title}
	for i, a := range sortedApps(apps) {
		lines = append(lines, renderAppRow(a, i == selected, spin, theme))
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderAppRow(a *AppState, selected bool, spin string, theme Theme) string {
	name := fmt.Sprintf("%-24s", a.Name)
	if selected {
		name = theme.Selected.Render(name)
	}

	state := theme.Dim.Render("[idle]")
	if n := len(a.Active); n > 0 {
		state = theme.Running.Render(fmt.Sprintf("%s deploying", spin))
	}

	var last string
	if !a.LastRun.IsZero() {
		last = fmt.Sprintf("last %s %s", statusMark(a.LastStatus, theme), formatAgo(time.Since(a.LastRun)))
	}
	if a.Rejected > 0 {
		last += theme.Dim.Render(fmt.Sprintf("  %d/%d rejected", a.Rejected, a.Deliveries))
	}

	var b strings.Builder
	fmt.Fprintf(&b, " %s  %s  %s", name, state, last)

	ids := make([]string, 0, len(a.Active))
	for id := range a.Active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := a.Active[id]
		phase := r.Phase
		if phase == "" {
			phase = "starting"
		}
		if r.Superseded {
			phase += " (prehook superseded)"
		}
		fmt.Fprintf(&b, "\n    └─ %s %-8s after %s %s",
			theme.Highlight.Render(shortID(r.ID)),
			r.Trigger,
			phase,
			theme.Dim.Render(time.Since(r.Started).Round(time.Second).String()),
		)
	}
	if a.LastStatus == "failed" && a.LastError != "" {
		fmt.Fprintf(&b, "\n    %s", theme.Failed.Render(truncate(a.LastError, 80)))
	}
	return b.String()
}

func statusMark(status string, theme Theme) string {
	switch status {
	case "succeeded":
		return theme.OK.Render("✔")
	case "failed":
		return theme.Failed.Render("✘")
	default:
		return theme.Dim.Render("·")
	}
}

func formatAgo(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
