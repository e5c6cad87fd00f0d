// Package store provides durable persistence for run records.
//
// Three backends implement Store:
//   - sqlite: runs and results in relational tables, events are not kept
//   - file: one JSON document per run in a local directory
//   - s3: the same JSON document in an S3-compatible bucket
//
// Load reports a missing run as (nil, nil). Errors are wrapped in
// *StorageError so callers can classify them with errors.Is.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/namazing/types"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendS3     = "s3"
)

// DefaultPath is the file backend directory used when none is configured.
const DefaultPath = "./data/runs"

// Store persists run records.
type Store interface {
	// Save upserts the run.
	Save(ctx context.Context, run *types.Run) error
	// Load returns the run, or (nil, nil) when it does not exist.
	Load(ctx context.Context, id string) (*types.Run, error)
	// Delete removes the run. Deleting a missing run is not an error.
	Delete(ctx context.Context, id string) error
	// Close releases backend resources.
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	// Backend is one of sqlite, file, s3. Empty selects by presence.
	Backend string
	// Database is the sqlite DSN.
	Database string
	// Path is the file backend directory.
	Path string

	// S3 settings.
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// ResolveBackend returns the backend Open would use for c.
func (c Config) ResolveBackend() string {
	if b := strings.ToLower(strings.TrimSpace(c.Backend)); b != "" {
		return b
	}
	switch {
	case c.Database != "":
		return BackendSQLite
	case c.Bucket != "":
		return BackendS3
	default:
		return BackendFile
	}
}

// Open creates the configured store.
func Open(ctx context.Context, c Config) (Store, error) {
	switch backend := c.ResolveBackend(); backend {
	case BackendSQLite:
		if c.Database == "" {
			return nil, fmt.Errorf("sqlite backend requires storage.database")
		}
		return NewSQLiteStore(c.Database)
	case BackendFile:
		path := c.Path
		if path == "" {
			path = DefaultPath
		}
		return NewFileStore(path)
	case BackendS3:
		return NewS3Store(ctx, S3Config{
			Bucket:       c.Bucket,
			Prefix:       c.Prefix,
			Region:       c.Region,
			Endpoint:     c.Endpoint,
			UsePathStyle: c.UsePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q (must be sqlite, file, or s3)", backend)
	}
}

// ValidID reports whether id has the shape of a run id.
// Anything else is treated as not found without touching a backend.
func ValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func validateForSave(run *types.Run) error {
	if run == nil {
		return fmt.Errorf("run is nil")
	}
	if !ValidID(run.ID) {
		return fmt.Errorf("invalid run id %q", run.ID)
	}
	return run.Validate()
}

// prepare returns a copy of run with nil collections normalized,
// ready to be encoded.
func prepare(run *types.Run) *types.Run {
	c := run.Clone()
	if c.Events == nil {
		c.Events = []types.Event{}
	}
	return c
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
