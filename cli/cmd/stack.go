package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/namazing/adapter"
	"github.com/pithecene-io/namazing/adapter/redis"
	"github.com/pithecene-io/namazing/adapter/webhook"
	"github.com/pithecene-io/namazing/archive"
	"github.com/pithecene-io/namazing/bus"
	"github.com/pithecene-io/namazing/cli/config"
	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/metrics"
	"github.com/pithecene-io/namazing/runtime"
	"github.com/pithecene-io/namazing/store"
)

// loadConfig reads --config, or ./namazing.yaml when present.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String(ConfigFlag.Name))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return cfg, nil
}

// pick returns the flag value when it was set explicitly (or through its
// env var), else the config value, else the flag default.
func pick(c *cli.Context, flag, fromConfig string) string {
	if c.IsSet(flag) || fromConfig == "" {
		return c.String(flag)
	}
	return fromConfig
}

func newLogger(c *cli.Context, cfg *config.Config) (*log.Logger, error) {
	logger, err := log.NewWithFormat(os.Stderr, pick(c, flagLogFormat, cfg.Log.Format))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	lvl, err := log.ParseLevel(pick(c, flagLogLevel, cfg.Log.Level))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	logger.SetLevel(lvl)
	return logger, nil
}

func storeConfig(c *cli.Context, cfg config.StorageConfig) store.Config {
	return store.Config{
		Backend:      pick(c, flagStorageBackend, cfg.Backend),
		Database:     pick(c, flagDatabase, cfg.Database),
		Path:         pick(c, flagStoragePath, cfg.Path),
		Bucket:       cfg.Bucket,
		Prefix:       cfg.Prefix,
		Region:       cfg.Region,
		Endpoint:     cfg.Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	}
}

func workerConfig(c *cli.Context, cfg config.WorkerConfig) runtime.WorkerConfig {
	args := cfg.Args
	if c.IsSet(flagWorkerArg) {
		args = c.StringSlice(flagWorkerArg)
	}
	return runtime.WorkerConfig{
		Command:     pick(c, flagWorkerCommand, cfg.Command),
		Args:        args,
		Dir:         pick(c, flagWorkerDir, cfg.Dir),
		Env:         cfg.Env,
		StderrLimit: cfg.StderrLimit,
	}
}

// openArchive returns nil when the archive is not configured.
func openArchive(ctx context.Context, cfg config.ArchiveConfig) (*archive.Archive, error) {
	dataset := cfg.Dataset
	if dataset == "" {
		dataset = archive.DefaultDataset
	}
	switch cfg.Backend {
	case "":
		return nil, nil
	case "fs":
		if cfg.Path == "" {
			return nil, errors.New("archive.path is required for the fs archive")
		}
		return archive.NewFS(dataset, cfg.Path)
	case "s3":
		s3cfg := store.S3Config{
			Bucket:       cfg.Bucket,
			Prefix:       cfg.Prefix,
			Region:       cfg.Region,
			Endpoint:     cfg.Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		}
		if err := s3cfg.Validate(); err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		client, err := store.NewS3Client(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("archive: %w", err)
		}
		return archive.NewS3(dataset, client, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}

// retriesOr returns the configured retry count, or def when unset.
func retriesOr(cfg config.AdapterConfig, def int) int {
	if cfg.Retries != nil {
		return *cfg.Retries
	}
	return def
}

func webhookConfig(cfg config.AdapterConfig) webhook.Config {
	return webhook.Config{
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Timeout: cfg.Timeout.Duration,
		Retries: retriesOr(cfg, webhook.DefaultRetries),
		Backoff: cfg.Backoff.Duration,
	}
}

func redisConfig(cfg config.AdapterConfig) redis.Config {
	return redis.Config{
		URL:      cfg.URL,
		Channel:  cfg.Channel,
		Encoding: cfg.Encoding,
		Timeout:  cfg.Timeout.Duration,
		Retries:  retriesOr(cfg, 0),
		Backoff:  cfg.Backoff.Duration,
	}
}

// newNotifier returns a nil interface when no adapter is configured.
func newNotifier(cfg config.AdapterConfig) (adapter.Adapter, error) {
	switch cfg.Type {
	case "":
		return nil, nil
	case "webhook":
		a, err := webhook.New(webhookConfig(cfg))
		if err != nil {
			return nil, err
		}
		return a, nil
	case "redis":
		a, err := redis.New(redisConfig(cfg))
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown adapter type %q", cfg.Type)
	}
}

// engine is the wired run orchestration core shared by serve and run.
type engine struct {
	logger     *log.Logger
	collector  *metrics.Collector
	bus        *bus.Bus
	registry   *runtime.Registry
	store      store.Store
	archive    *archive.Archive
	notifier   adapter.Adapter
	supervisor *runtime.Supervisor
}

func buildEngine(ctx context.Context, c *cli.Context, cfg *config.Config, logger *log.Logger) (*engine, error) {
	sc := storeConfig(c, cfg.Storage)
	st, err := store.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e := &engine{
		logger:    logger,
		collector: metrics.NewCollector(sc.ResolveBackend(), cfg.Adapter.Type),
		bus:       bus.New(logger.Named("bus")),
		registry:  runtime.NewRegistry(),
		store:     st,
	}

	if e.archive, err = openArchive(ctx, cfg.Archive); err != nil {
		e.Close()
		return nil, err
	}
	if e.notifier, err = newNotifier(cfg.Adapter); err != nil {
		e.Close()
		return nil, fmt.Errorf("adapter: %w", err)
	}

	// Optional deps stay untyped nil so the supervisor can skip them.
	deps := runtime.Deps{
		Bus:       e.bus,
		Registry:  e.registry,
		Store:     e.store,
		Notifier:  e.notifier,
		Collector: e.collector,
		Logger:    logger,
	}
	if e.archive != nil {
		deps.Archive = e.archive
	}

	e.supervisor, err = runtime.NewSupervisor(runtime.Config{
		Worker:         workerConfig(c, cfg.Worker),
		StorageTimeout: cfg.Storage.Timeout.Duration,
	}, deps)
	if err != nil {
		e.Close()
		return nil, err
	}

	logger.Info("engine ready", map[string]any{
		"storage_backend": sc.ResolveBackend(),
		"archive":         cfg.Archive.Backend != "",
		"adapter":         cfg.Adapter.Type,
	})
	return e, nil
}

// Close releases the store, archive and notifier.
func (e *engine) Close() {
	if e.notifier != nil {
		if err := e.notifier.Close(); err != nil {
			e.logger.Warn("failed to close adapter", map[string]any{"error": err.Error()})
		}
	}
	if e.archive != nil {
		if err := e.archive.Close(); err != nil {
			e.logger.Warn("failed to close archive", map[string]any{"error": err.Error()})
		}
	}
	if err := e.store.Close(); err != nil {
		e.logger.Warn("failed to close store", map[string]any{"error": err.Error()})
	}
}
