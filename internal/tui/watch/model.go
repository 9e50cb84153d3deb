package watch

import (
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/triggerhost/internal/events"
)

const (
	healthEvery    = 5 * time.Second
	reconnectAfter = 3 * time.Second
	eventLogSize   = 50
)

// Model is the watch TUI: host health, per-function and per-listener state
// and a live event stream.
type Model struct {
	api       *hostClient
	hubEvents chan events.Event

	width, height int

	health      HealthState
	functions   map[string]*FunctionState
	listeners   map[string]*ListenerState
	eventLog    []events.Event
	lastEventID int64

	spin     spinner.Model
	activity activity

	theme            Theme
	keys             keyMap
	help             help.Model
	selectedFunction int

	lastError string
}

// New creates a watch model for the host API at apiURL.
func New(apiURL, apiKey string) *Model {
	return &Model{
		api:       newHostClient(apiURL, apiKey),
		hubEvents: make(chan events.Event, 100),
		functions: make(map[string]*FunctionState),
		listeners: make(map[string]*ListenerState),
		spin:      spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		activity:  newActivity(12, 5*time.Second, time.Now()),
		theme:     NewDefaultTheme(),
		keys:      newKeyMap(),
		help:      help.New(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.api.subscribe(0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		m.api.health,
		secondTick(),
		m.spin.Tick,
		tea.EnterAltScreen,
	)
}

func secondTick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) healthLater() tea.Cmd {
	return tea.Tick(healthEvery, func(time.Time) tea.Msg { return m.api.health() })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.onKey(msg)
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
	case tickMsg:
		m.activity.advance(time.Time(msg))
		return m, secondTick()
	case eventMsg:
		m.onEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)
	case healthMsg:
		m.onHealth(msg)
		return m, m.healthLater()
	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(reconnectAfter, func(time.Time) tea.Msg { return reconnectMsg{} })
	case reconnectMsg:
		return m, m.api.subscribe(m.lastEventID, m.hubEvents)
	case errMsg:
		m.lastError = msg.Error()
		return m, m.healthLater()
	}
	return m, nil
}

func (m Model) onKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		m.selectedFunction = max(0, m.selectedFunction-1)
	case key.Matches(msg, m.keys.Down):
		if m.selectedFunction < len(m.functions)-1 {
			m.selectedFunction++
		}
	}
	return m, nil
}

func (m *Model) onEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	m.lastEventID = max(m.lastEventID, e.ID)
	m.activity.record(time.Now())

	updateFunctionState(m.functions, e)
	updateListenerState(m.listeners, e)

	m.health.Connected = true
	m.lastError = ""
}

func (m *Model) onHealth(h healthMsg) {
	m.health = HealthState{
		Status:        h.Status,
		UptimeSeconds: h.UptimeSeconds,
		Triggers:      h.Triggers,
		Subscribers:   h.Subscribers,
		Dropped:       h.DroppedEvents,
		Connected:     true,
		LastCheck:     time.Now(),
	}
	m.lastError = ""
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	parts := []string{
		renderHeader(m.health, m.theme.Accent.Render(m.spin.View()), m.activity, m.theme, m.width),
		renderFunctions(m.functions, m.selectedFunction, m.theme, m.width),
		renderListeners(m.listeners, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.Failed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, " "+m.help.View(m.keys))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}
