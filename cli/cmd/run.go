package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/namazing/iox"
	"github.com/pithecene-io/namazing/service"
	"github.com/pithecene-io/namazing/types"
)

// Exit codes for the run command.
const (
	exitCompleted = 0
	exitFailed    = 1
)

// RunCommand returns the run command: one run, no server.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute one run locally and print its events as NDJSON",
		Flags: concat([]cli.Flag{
			&cli.StringFlag{
				Name:     "brief",
				Usage:    "Consultation brief",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Execution mode: serial or parallel",
				Value: string(types.DefaultMode),
			},
			&cli.BoolFlag{
				Name:  "result",
				Usage: "Print only the final result instead of events",
			},
			&cli.DurationFlag{
				Name:  "grace",
				Usage: "How long to wait for the worker after an interrupt",
				Value: 5 * time.Second,
			},
		}, WorkerFlags(), StorageFlags(), LogFlags()),
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(c, cfg)
	if err != nil {
		return err
	}
	defer iox.DiscardErr(logger.Sync)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(ctx, c, cfg, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitFailed)
	}
	defer eng.Close()

	svc := service.New(eng.supervisor, eng.registry, eng.store, logger)
	started := time.Now()
	resp, err := svc.Start(ctx, service.StartRequest{Brief: c.String("brief"), Mode: c.String("mode")})
	if err != nil {
		if service.IsValidation(err) {
			return cli.Exit(err.Error(), exitFailed)
		}
		return fmt.Errorf("start run: %w", err)
	}

	out := io.Writer(os.Stdout)
	if c.Bool("result") {
		out = io.Discard
	}

	grace := c.Duration("grace")
	interrupted := make(chan struct{})
	defer close(interrupted)
	go func() {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted, stopping worker", map[string]any{
				"grace":  grace.String(),
				"active": eng.supervisor.Active(),
			})
			stopWorkers(eng, grace)
		case <-interrupted:
		}
	}()

	// An interrupt kills the worker, which ends the stream with the failure.
	if err := printStream(context.WithoutCancel(ctx), svc, resp.RunID, out); err != nil {
		return err
	}
	// The run is over; wait for the worker to exit and the final save.
	stopWorkers(eng, grace)

	run, err := svc.Status(context.Background(), resp.RunID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if c.Bool("result") && run.Status == types.StatusCompleted {
		fmt.Fprintln(os.Stdout, string(run.Result))
	}
	summary := logger.Sugar().With("run_id", run.ID)
	summary.Infof("run %s in %s (%d events)",
		run.Status, time.Since(started).Round(time.Millisecond), len(run.Events))

	if run.Status != types.StatusCompleted {
		if run.Error != "" {
			summary.Warnf("run failed: %s", run.Error)
		}
		return cli.Exit("", exitFailed)
	}
	return cli.Exit("", exitCompleted)
}

// stopWorkers waits up to grace for workers to exit, then kills them.
func stopWorkers(eng *engine, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := eng.supervisor.Shutdown(ctx); err != nil {
		eng.logger.Warn("worker did not exit in time", map[string]any{"error": err.Error()})
	}
}

// printStream writes every event of the run to out, one JSON object per
// line, until the run is over.
func printStream(ctx context.Context, svc *service.Service, runID string, out io.Writer) error {
	stream, err := svc.Stream(ctx, runID)
	if err != nil {
		return fmt.Errorf("stream run: %w", err)
	}
	defer stream.Close()

	enc := json.NewEncoder(out)
	for _, ev := range stream.Replay {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	if !stream.Live {
		return nil
	}
	for {
		ev, ok, err := stream.Next(ctx)
		if err != nil || !ok {
			return err
		}
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
}
