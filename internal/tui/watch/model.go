package watch

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/deployhook/internal/events"
	"github.com/mattjoyce/deployhook/internal/history"
)

const (
	eventLogSize    = 50
	healthInterval  = 5 * time.Second
	runsInterval    = 30 * time.Second
	reconnectDelay  = 3 * time.Second
	streamQueueSize = 100
)

type (
	eventMsg       events.Event
	streamEndedMsg struct{ err error }
	reconnectMsg   struct{}
	healthMsg      Health
	healthErrMsg   struct{ err error }
	runsMsg        []history.Run
	runsErrMsg     struct{ err error }
	clockMsg       time.Time
	refreshRunsMsg struct{}
)

// Model is the bubbletea model of the watch dashboard.
type Model struct {
	ctx    context.Context
	client *Client
	apiURL string

	width  int
	height int

	health   HealthState
	apps     map[string]*AppState
	eventLog []events.Event
	lastID   int64
	runs     table.Model

	selected   int
	spinner    spinner.Model
	theme      Theme
	lastError  string
	historyErr string

	incoming chan events.Event
}

// New returns a dashboard reading from client. Background requests stop when
// ctx ends.
func New(ctx context.Context, client *Client) Model {
	return Model{
		ctx:      ctx,
		client:   client,
		apiURL:   client.baseURL,
		apps:     make(map[string]*AppState),
		runs:     newRunTable(),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		theme:    NewDefaultTheme(),
		incoming: make(chan events.Event, streamQueueSize),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.stream(0),
		m.nextEvent(),
		m.fetchHealth,
		m.fetchRuns,
		m.spinner.Tick,
		clockTick(),
		refreshRunsTick(),
	)
}

func (m Model) stream(lastID int64) tea.Cmd {
	return func() tea.Msg {
		err := m.client.Stream(m.ctx, lastID, func(ev events.Event) {
			select {
			case m.incoming <- ev:
			case <-m.ctx.Done():
			}
		})
		return streamEndedMsg{err: err}
	}
}

func (m Model) nextEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev := <-m.incoming:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) fetchHealth() tea.Msg {
	h, err := m.client.Health(m.ctx)
	if err != nil {
		return healthErrMsg{err: err}
	}
	return healthMsg(h)
}

func (m Model) fetchRuns() tea.Msg {
	runs, err := m.client.RecentRuns(m.ctx, recentRunLimit)
	if err != nil {
		return runsErrMsg{err: err}
	}
	return runsMsg(runs)
}

func refreshRunsTick() tea.Cmd {
	return tea.Tick(runsInterval, func(time.Time) tea.Msg { return refreshRunsMsg{} })
}

func clockTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.apps)-1 {
				m.selected++
			}
		case "r":
			return m, m.fetchRuns
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runs.SetWidth(max(msg.Width-8, 20))

	case clockMsg:
		return m, clockTick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		ev := events.Event(msg)
		m.lastID = max(m.lastID, ev.ID)
		m.eventLog = append([]events.Event{ev}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.health.Connected = true
		m.health.LastEvent = time.Now()
		m.lastError = ""

		cmds := []tea.Cmd{m.nextEvent()}
		if applyEvent(m.apps, ev, time.Now()) {
			cmds = append(cmds, m.fetchRuns)
		}
		return m, tea.Batch(cmds...)

	case streamEndedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// Resume after the last event seen so nothing is shown twice.
		return m, m.stream(m.lastID)

	case healthMsg:
		m.health.Health = Health(msg)
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.fetchHealth() })

	case healthErrMsg:
		m.health.Connected = false
		m.lastError = msg.err.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.fetchHealth() })

	case runsMsg:
		m.historyErr = ""
		m.runs.SetRows(runRows(msg))

	case runsErrMsg:
		// A token without runs:ro still gets the live panels.
		m.historyErr = msg.err.Error()

	case refreshRunsMsg:
		return m, tea.Batch(m.fetchRuns, refreshRunsTick())
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to deployhook..."
	}

	parts := []string{
		renderHeader(m.health, m.apiURL, m.theme, m.width),
		renderApps(m.apps, m.selected, m.spinner.View(), m.theme, m.width),
		renderRuns(m.runs, m.historyErr, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ! "+m.lastError))
	}
	parts = append(parts, m.theme.Dim.Render(" [q] quit  [↑/↓] select app  [r] refresh runs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
