package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/namazing/cli/render"
	"github.com/pithecene-io/namazing/types"
)

// headerLines is the vertical space the run details take above the events.
const headerLines = 14

// InspectModel shows a stored run with a scrollable event list.
type InspectModel struct {
	run      *types.Run
	events   viewport.Model
	ready    bool
	quitting bool
}

// NewInspectModel creates a new inspect model.
func NewInspectModel(run *types.Run) InspectModel {
	return InspectModel{run: run}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := max(msg.Height-headerLines, 3)
		if !m.ready {
			m.events = viewport.New(msg.Width, height)
			m.events.SetContent(eventLines(m.run.Events))
			m.ready = true
		} else {
			m.events.Width = msg.Width
			m.events.Height = height
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.events, cmd = m.events.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(runDetails(m.run))
	b.WriteString("\n")
	if m.ready {
		b.WriteString(m.events.View())
	} else {
		b.WriteString(eventLines(m.run.Events))
	}
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render("↑/↓ scroll • q quit"))
	return b.String()
}

func runDetails(run *types.Run) string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Run " + run.ID))
	b.WriteString("\n")

	rows := [][2]string{
		{"Mode", string(run.Mode)},
		{"Brief", run.Brief},
		{"Created", run.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Updated", run.UpdatedAt.Format("2006-01-02 15:04:05")},
		{"Events", fmt.Sprintf("%d", len(run.Events))},
	}
	fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Status:"), StatusStyle(run.Status).Render(string(run.Status)))
	for _, row := range rows {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render(row[0]+":"), ValueStyle.Render(row[1]))
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", LabelStyle.Render("Error:"), ErrorStyle.Render(run.Error))
	}
	return BoxStyle.Render(strings.TrimSuffix(b.String(), "\n"))
}

func eventLines(events []types.Event) string {
	if len(events) == 0 {
		return MutedStyle.Render("(no events)")
	}
	lines := make([]string, len(events))
	for i, ev := range events {
		lines[i] = eventLine(ev)
	}
	return strings.Join(lines, "\n")
}

func eventLine(ev types.Event) string {
	t := ev.Type()
	return lipgloss.JoinHorizontal(lipgloss.Top,
		AgentStyle.Render(ev.Agent),
		EventStyle(t).Render(fmt.Sprintf("%-8s", t)),
		" ",
		render.Summarize(ev),
	)
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c", "esc"),
		key.WithHelp("q", "quit"),
	),
}

// RenderInspectStatic renders a run without starting a program.
func RenderInspectStatic(run *types.Run) string {
	return lipgloss.NewStyle().Padding(1, 2).Render(NewInspectModel(run).View())
}
