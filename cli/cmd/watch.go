package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/namazing/cli/tui"
	"github.com/pithecene-io/namazing/types"
)

// DefaultServerURL is where watch looks for the API.
const DefaultServerURL = "http://localhost:8080"

// WatchCommand returns the watch command.
func WatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Follow a run on a running server",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the namazing API",
				Value:   DefaultServerURL,
				EnvVars: []string{"NAMAZING_SERVER"},
			},
			TUIFlag,
		},
		Action: watchAction,
	}
}

func watchAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("run-id required", 1)
	}
	runID := c.Args().First()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		status types.RunStatus
		err    error
	)
	if c.Bool("tui") {
		status, err = watchTUI(ctx, c.String("server"), runID)
	} else {
		status, err = watchLines(ctx, c.String("server"), runID, os.Stdout)
	}
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return cli.Exit(err.Error(), 1)
	case status != types.StatusCompleted:
		return cli.Exit("", exitFailed)
	}
	return nil
}

// watchLines prints events as NDJSON and returns the final status.
func watchLines(ctx context.Context, baseURL, runID string, out io.Writer) (types.RunStatus, error) {
	enc := json.NewEncoder(out)
	var status types.RunStatus
	var writeErr error
	err := followRun(ctx, http.DefaultClient, baseURL, runID, func(u tui.Update) {
		if u.End {
			status = u.Status
			return
		}
		if writeErr == nil {
			writeErr = enc.Encode(u.Event)
		}
	})
	if err == nil {
		err = writeErr
	}
	return status, err
}

func watchTUI(ctx context.Context, baseURL, runID string) (types.RunStatus, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan tui.Update, 64)
	go func() {
		defer close(updates)
		send := func(u tui.Update) {
			select {
			case updates <- u:
			case <-ctx.Done():
			}
		}
		if err := followRun(ctx, http.DefaultClient, baseURL, runID, send); err != nil && ctx.Err() == nil {
			send(tui.Update{Err: err})
		}
	}()

	status, err := tui.RunWatch(ctx, runID, updates)
	if err != nil {
		return status, fmt.Errorf("watch: %w", err)
	}
	return status, nil
}
