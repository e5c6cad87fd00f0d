// Package cmd provides CLI commands for the namazing binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags.
var (
	// ConfigFlag points at a namazing.yaml. Defaults to ./namazing.yaml when present.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to namazing.yaml",
		EnvVars: []string{"NAMAZING_CONFIG"},
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// TUIFlag enables the Bubble Tea view.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Enable interactive TUI mode",
	}
)

// Flag names shared between commands and the config merge.
const (
	flagDatabase       = "database"
	flagStorageBackend = "storage-backend"
	flagStoragePath    = "storage-path"
	flagLogLevel       = "log-level"
	flagLogFormat      = "log-format"
	flagWorkerCommand  = "worker-command"
	flagWorkerArg      = "worker-arg"
	flagWorkerDir      = "worker-dir"
)

// StorageFlags select the durable store. They override the storage section.
func StorageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagDatabase,
			Usage:   "SQLite database path or DSN (selects the sqlite backend)",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:  flagStorageBackend,
			Usage: "Storage backend: sqlite, file or s3 (default: inferred)",
		},
		&cli.StringFlag{
			Name:    flagStoragePath,
			Usage:   "Directory for the file backend",
			EnvVars: []string{"NAMAZING_STORAGE_PATH"},
		},
	}
}

// LogFlags configure the process logger.
func LogFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagLogLevel,
			Usage:   "Log level: debug, info, warn, error",
			Value:   "info",
			EnvVars: []string{"NAMAZING_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:  flagLogFormat,
			Usage: "Log format: json or console",
			Value: "json",
		},
	}
}

// WorkerFlags describe the worker process.
func WorkerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagWorkerCommand,
			Usage:   "Worker executable",
			Value:   "namazing-worker",
			EnvVars: []string{"NAMAZING_WORKER"},
		},
		&cli.StringSliceFlag{
			Name:  flagWorkerArg,
			Usage: "Argument passed to the worker before the run arguments (repeatable)",
		},
		&cli.StringFlag{
			Name:  flagWorkerDir,
			Usage: "Worker working directory",
		},
	}
}

// ReadOnlyFlags returns the flags for commands that only read runs.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{FormatFlag, TUIFlag}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
