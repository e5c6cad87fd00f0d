package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/namazing/iox"
	"github.com/pithecene-io/namazing/server"
	"github.com/pithecene-io/namazing/service"
)

// DefaultShutdownTimeout bounds the graceful drain of in-flight runs.
const DefaultShutdownTimeout = 30 * time.Second

// ServeCommand returns the serve command.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API and supervise worker runs",
		Flags: concat([]cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "Listen address",
				Value:   server.DefaultAddr,
				EnvVars: []string{"NAMAZING_ADDR"},
			},
			&cli.StringSliceFlag{
				Name:    "allowed-origin",
				Usage:   "CORS/WebSocket origin to allow (repeatable, default any)",
				EnvVars: []string{"NAMAZING_ALLOWED_ORIGINS"},
			},
			&cli.DurationFlag{
				Name:  "shutdown-timeout",
				Usage: "How long to wait for running workers on shutdown",
				Value: DefaultShutdownTimeout,
			},
		}, WorkerFlags(), StorageFlags(), LogFlags()),
		Action: serveAction,
	}
}

func serveAction(c *cli.Context) error {
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
		return cli.Exit(err.Error(), 1)
	}
	defer eng.Close()

	origins := cfg.Server.AllowedOrigins
	if c.IsSet("allowed-origin") {
		origins = c.StringSlice("allowed-origin")
	}
	srv, err := server.New(server.Config{
		Addr:           pick(c, "addr", cfg.Server.Addr),
		AllowedOrigins: origins,
		BodyLimit:      cfg.Server.BodyLimit,
		Heartbeat:      cfg.Server.Heartbeat.Duration,
	}, server.Deps{
		Service:   service.New(eng.supervisor, eng.registry, eng.store, logger),
		Registry:  eng.registry,
		Collector: eng.collector,
		Logger:    logger,
	})
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	shutdownTimeout := c.Duration("shutdown-timeout")
	if !c.IsSet("shutdown-timeout") {
		shutdownTimeout = cfg.Server.ShutdownTimeout.Or(shutdownTimeout)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", map[string]any{
			"timeout": shutdownTimeout.String(),
			"active":  eng.supervisor.Active(),
		})

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Live streams only end with their runs, so both drain together.
		supErr := make(chan error, 1)
		go func() { supErr <- eng.supervisor.Shutdown(sctx) }()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown incomplete", map[string]any{"error": err.Error()})
		}
		if err := <-supErr; err != nil {
			logger.Warn("supervisor shutdown incomplete", map[string]any{"error": err.Error()})
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	logger.Info("stopped", nil)
	return nil
}
