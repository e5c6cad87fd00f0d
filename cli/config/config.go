// Package config loads namazing.yaml.
//
// Every value is optional and acts as a default for the matching CLI flag.
// Flags always win.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config represents a namazing.yaml file.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Storage StorageConfig `yaml:"storage"`
	Archive ArchiveConfig `yaml:"archive"`
	Adapter AdapterConfig `yaml:"adapter"`
	Log     LogConfig     `yaml:"log"`
}

// ServerConfig holds HTTP listener defaults.
type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	BodyLimit      string   `yaml:"body_limit"`
	Heartbeat      Duration `yaml:"heartbeat"`
	// ShutdownTimeout bounds the graceful drain on SIGINT/SIGTERM.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig describes the worker process spawned per run.
type WorkerConfig struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args"`
	Dir         string   `yaml:"dir"`
	Env         []string `yaml:"env"`
	StderrLimit int      `yaml:"stderr_limit"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	// Backend is sqlite, file or s3. Empty infers it from the other fields.
	Backend     string   `yaml:"backend"`
	Database    string   `yaml:"database"`
	Path        string   `yaml:"path"`
	Bucket      string   `yaml:"bucket"`
	Prefix      string   `yaml:"prefix"`
	Region      string   `yaml:"region"`
	Endpoint    string   `yaml:"endpoint"`
	S3PathStyle bool     `yaml:"s3_path_style"`
	Timeout     Duration `yaml:"timeout"`
}

// ArchiveConfig configures the event archive. Disabled when Backend is empty.
type ArchiveConfig struct {
	// Backend is fs or s3.
	Backend     string `yaml:"backend"`
	Dataset     string `yaml:"dataset"`
	Path        string `yaml:"path"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// AdapterConfig configures run-finished notifications.
type AdapterConfig struct {
	// Type is webhook or redis. Empty disables notifications.
	Type     string            `yaml:"type"`
	URL      string            `yaml:"url"`
	Channel  string            `yaml:"channel,omitempty"`
	Encoding string            `yaml:"encoding,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Timeout  Duration          `yaml:"timeout,omitempty"`
	Retries  *int              `yaml:"retries,omitempty"`
	// Backoff is the base delay between retries.
	Backoff  Duration          `yaml:"backoff,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks values that cannot be caught by YAML decoding alone.
func (c *Config) Validate() error {
	switch c.Archive.Backend {
	case "", "fs", "s3":
	default:
		return fmt.Errorf("archive.backend: unknown backend %q (must be fs or s3)", c.Archive.Backend)
	}
	switch c.Adapter.Type {
	case "":
		if c.Adapter.URL != "" {
			return errors.New("adapter.url set without adapter.type")
		}
	case "webhook", "redis":
		if c.Adapter.URL == "" {
			return fmt.Errorf("adapter.url is required for %s adapter", c.Adapter.Type)
		}
	default:
		return fmt.Errorf("adapter.type: unknown adapter %q (must be webhook or redis)", c.Adapter.Type)
	}
	if c.Adapter.Retries != nil && *c.Adapter.Retries < 0 {
		return errors.New("adapter.retries must be >= 0")
	}
	if c.Worker.StderrLimit < 0 {
		return errors.New("worker.stderr_limit must be >= 0")
	}
	return nil
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if parsed < 0 {
		return fmt.Errorf("invalid duration %q: must not be negative", s)
	}
	d.Duration = parsed
	return nil
}

// Or returns the duration, or def when unset.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration > 0 {
		return d.Duration
	}
	return def
}
