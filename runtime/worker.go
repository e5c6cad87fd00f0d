package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/pithecene-io/namazing/iox"
	"github.com/pithecene-io/namazing/types"
)

// DefaultStderrLimit bounds the captured worker stderr tail (64 KiB).
const DefaultStderrLimit = 64 * 1024

// WorkerConfig configures one worker process.
type WorkerConfig struct {
	// Command is the worker executable.
	Command string
	// Args are passed before the run arguments.
	Args []string
	// Dir is the working directory. Empty means the server's.
	Dir string
	// Env entries (KEY=VALUE) are added to the inherited environment.
	Env []string
	// Brief is the free-text consultation request.
	Brief string
	// Mode selects the worker's execution strategy.
	Mode types.RunMode
	// StderrLimit bounds the captured stderr tail. Zero means DefaultStderrLimit.
	StderrLimit int
}

// Argv returns the full argument list after the command.
func (c *WorkerConfig) Argv() []string {
	argv := make([]string, 0, len(c.Args)+7)
	argv = append(argv, c.Args...)
	return append(argv,
		"--brief", c.Brief,
		"--mode", string(c.Mode),
		"--stream", "ndjson",
		"--no-stub",
	)
}

// WorkerResult represents the result of a worker process.
type WorkerResult struct {
	// ExitCode is the process exit code, -1 when killed by a signal.
	ExitCode int
	// Stderr is the captured tail of stderr.
	Stderr []byte
	// StderrTruncated reports whether older stderr output was discarded.
	StderrTruncated bool
}

// Worker abstracts the worker process lifecycle for testing.
type Worker interface {
	Start(ctx context.Context) error
	Stdout() io.Reader
	Wait() (*WorkerResult, error)
	Kill() error
}

// WorkerFactory creates a Worker. Used for test injection.
type WorkerFactory func(config *WorkerConfig) Worker

// ProcessWorker runs the worker as a child process.
// Stdout carries the event stream. Stderr is kept for diagnostics only.
type ProcessWorker struct {
	config *WorkerConfig
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *iox.TailBuffer
}

// NewProcessWorker creates a process-backed worker.
func NewProcessWorker(config *WorkerConfig) Worker {
	return &ProcessWorker{config: config}
}

// Start starts the worker process. ctx bounds the process lifetime:
// cancelling it kills the worker.
func (w *ProcessWorker) Start(ctx context.Context) error {
	if w.config.Command == "" {
		return errors.New("worker command is not configured")
	}

	w.cmd = exec.CommandContext(ctx, w.config.Command, w.config.Argv()...)
	w.cmd.Dir = w.config.Dir
	if len(w.config.Env) > 0 {
		w.cmd.Env = deduplicateEnv(append(os.Environ(), w.config.Env...))
	}

	stdout, err := w.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	w.stdout = stdout

	limit := w.config.StderrLimit
	if limit <= 0 {
		limit = DefaultStderrLimit
	}
	w.stderr = iox.NewTailBuffer(limit)
	w.cmd.Stderr = w.stderr

	if err := w.cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	return nil
}

// Stdout returns the stdout reader carrying event lines.
func (w *ProcessWorker) Stdout() io.Reader {
	return w.stdout
}

// Wait waits for the worker to exit and returns the result.
// Stdout must be read to EOF first: Wait closes the pipe.
func (w *ProcessWorker) Wait() (*WorkerResult, error) {
	if w.cmd == nil {
		return nil, errors.New("worker not started")
	}

	err := w.cmd.Wait()

	result := &WorkerResult{
		Stderr:          w.stderr.Bytes(),
		StderrTruncated: w.stderr.Truncated(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("worker wait failed: %w", err)
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			result.ExitCode = status.ExitStatus()
		} else {
			result.ExitCode = -1
		}
	}

	return result, nil
}

// Kill terminates the worker process.
func (w *ProcessWorker) Kill() error {
	if w.cmd != nil && w.cmd.Process != nil {
		return w.cmd.Process.Kill()
	}
	return nil
}

// deduplicateEnv keeps the last occurrence of each env var key so
// configured values win over inherited ones.
func deduplicateEnv(env []string) []string {
	seen := make(map[string]int, len(env))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		seen[key] = i
	}
	result := make([]string, 0, len(seen))
	for i, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if seen[key] == i {
			result = append(result, entry)
		}
	}
	return result
}
