package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/namazing/types"
)

// DefaultTail is the number of recent events the watch view keeps on screen.
const DefaultTail = 20

// Update is one item from a live run stream. Exactly one of Event, End or
// Err is meaningful.
type Update struct {
	Event  types.Event
	End    bool
	Status types.RunStatus
	Err    error
}

type updateMsg Update

// closedMsg reports the update channel closed without an end frame.
type closedMsg struct{}

// WatchModel follows a live run.
type WatchModel struct {
	runID   string
	updates <-chan Update
	spinner spinner.Model
	tail    int

	events   []types.Event
	agents   map[string]struct{}
	errors   int
	status   types.RunStatus
	ended    bool
	err      error
	quitting bool
}

// NewWatchModel creates a watch model reading from updates.
func NewWatchModel(runID string, updates <-chan Update) WatchModel {
	return WatchModel{
		runID:   runID,
		updates: updates,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(WarningStyle)),
		tail:    DefaultTail,
		agents:  make(map[string]struct{}),
		status:  types.StatusRunning,
	}
}

// Init implements tea.Model.
func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForUpdate(m.updates))
}

func waitForUpdate(updates <-chan Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-updates
		if !ok {
			return closedMsg{}
		}
		return updateMsg(u)
	}
}

// Update implements tea.Model.
func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case updateMsg:
		switch {
		case msg.Err != nil:
			m.err = msg.Err
			m.ended = true
			return m, nil
		case msg.End:
			m.status = msg.Status
			m.ended = true
			return m, nil
		}
		m.record(msg.Event)
		return m, waitForUpdate(m.updates)

	case closedMsg:
		m.ended = true
		return m, nil

	case spinner.TickMsg:
		if m.ended {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *WatchModel) record(ev types.Event) {
	m.events = append(m.events, ev)
	if len(m.events) > m.tail {
		m.events = m.events[len(m.events)-m.tail:]
	}
	if ev.Agent != "" {
		m.agents[ev.Agent] = struct{}{}
	}
	if ev.Type() == types.EventTypeError {
		m.errors++
	}
}

// View implements tea.Model.
func (m WatchModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Watching run " + m.runID))
	b.WriteString("\n")

	status := StatusStyle(m.status).Render(string(m.status))
	if !m.ended {
		status = m.spinner.View() + " " + status
	}
	fmt.Fprintf(&b, "%s %s\n\n", LabelStyle.Render("Status:"), status)

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		statBox("Agents", fmt.Sprintf("%d", len(m.agents))),
		statBox("Errors", fmt.Sprintf("%d", m.errors)),
	))
	b.WriteString("\n\n")
	b.WriteString(eventLines(m.events))
	b.WriteString("\n")

	switch {
	case m.err != nil:
		b.WriteString("\n" + ErrorStyle.Render("stream error: "+m.err.Error()) + "\n")
	case m.ended:
		b.WriteString("\n" + MutedStyle.Render("stream closed") + "\n")
	}
	b.WriteString(HelpStyle.Render("q quit"))
	return b.String()
}

// Status returns the last known run status.
func (m WatchModel) Status() types.RunStatus {
	return m.status
}

// Err returns the stream error, if any.
func (m WatchModel) Err() error {
	return m.err
}
