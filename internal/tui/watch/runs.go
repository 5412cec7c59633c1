package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deployhook/internal/history"
)

const recentRunLimit = 20

func newRunTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Started", Width: 19},
			{Title: "App", Width: 20},
			{Title: "Trigger", Width: 8},
			{Title: "Status", Width: 10},
			{Title: "Duration", Width: 9},
			{Title: "Commit", Width: 10},
			{Title: "Failed phase", Width: 18},
		}),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func runRows(runs []history.Run) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(100 * time.Millisecond).String()
		}
		rows = append(rows, table.Row{
			r.StartedAt.Local().Format(time.DateTime),
			r.App,
			r.Trigger,
			string(r.Status),
			duration,
			orDash(shortCommit(r.Commit)),
			orDash(r.FailedPhase),
		})
	}
	return rows
}

func renderRuns(t table.Model, historyErr string, theme Theme, width int) string {
	title := theme.Title.Render("RECENT RUNS")
	body := t.View()
	switch {
	case historyErr != "":
		body = theme.Dim.Render("  " + historyErr)
	case len(t.Rows()) == 0:
		body = theme.Dim.Render("  No runs recorded.")
	}
	return theme.Border.Width(width - 4).Render(lipgloss.JoinVertical(lipgloss.Left, title, body))
}

func shortCommit(c string) string {
	if len(c) > 10 {
		return c[:10]
	}
	return c
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
