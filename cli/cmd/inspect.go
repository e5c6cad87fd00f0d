package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/namazing/archive"
	"github.com/pithecene-io/namazing/cli/render"
	"github.com/pithecene-io/namazing/cli/tui"
	"github.com/pithecene-io/namazing/iox"
	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/store"
	"github.com/pithecene-io/namazing/types"
)

// InspectCommand returns the inspect command.
// It reads the durable record only and never contacts a server.
func InspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Show a stored run",
		ArgsUsage: "<run-id>",
		Flags:     concat(ReadOnlyFlags(), StorageFlags()),
		Action:    inspectAction,
	}
}

// eventSource recovers events a store backend does not keep.
type eventSource interface {
	Events(ctx context.Context, runID string) ([]types.Event, error)
}

func inspectAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	runID := c.Args().First()

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	st, err := store.Open(ctx, storeConfig(c, cfg.Storage))
	if err != nil {
		return cli.Exit(fmt.Sprintf("open store: %v", err), 1)
	}
	defer iox.DiscardClose(st)

	var events eventSource
	arc, err := openArchive(ctx, cfg.Archive)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	if arc != nil {
		defer iox.DiscardClose(arc)
		events = arc
	}

	run, err := loadRun(ctx, st, events, runID, log.NewWithWriter(c.App.ErrWriter))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	if c.Bool("tui") {
		if !render.IsTTY(os.Stdout) {
			_, err := fmt.Fprintln(c.App.Writer, tui.RenderInspectStatic(run))
			return err
		}
		return tui.RunInspect(ctx, run)
	}
	return r.RenderRun(run)
}

// loadRun loads a run and, when the store kept no events, fills them in
// from events. A missing archive entry is not an error.
func loadRun(ctx context.Context, st store.Store, events eventSource, runID string, logger *log.Logger) (*types.Run, error) {
	run, err := st.Load(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if len(run.Events) > 0 || events == nil {
		return run, nil
	}

	recovered, err := events.Events(ctx, runID)
	switch {
	case errors.Is(err, archive.ErrRunNotArchived):
	case err != nil:
		logger.Warn("failed to read archived events", map[string]any{"run_id": runID, "error": err.Error()})
	default:
		run.Events = recovered
	}
	return run, nil
}
