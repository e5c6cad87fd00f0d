package tui

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/namazing/types"
)

// RunInspect shows a stored run until the user quits.
func RunInspect(ctx context.Context, run *types.Run) error {
	p := tea.NewProgram(NewInspectModel(run), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

// RunWatch follows a live run until the user quits. It returns the last
// status seen and any stream error.
func RunWatch(ctx context.Context, runID string, updates <-chan Update) (types.RunStatus, error) {
	p := tea.NewProgram(NewWatchModel(runID, updates), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return "", err
	}
	m := final.(WatchModel)
	return m.Status(), m.Err()
}
