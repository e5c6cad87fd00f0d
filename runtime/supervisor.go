// Package runtime owns worker processes and the live state of their runs.
//
// The Supervisor spawns one worker per run, turns its stdout into events
// and terminal transitions, and hands snapshots to the durable store. The
// Registry is the in-memory index of runs owned by this process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/namazing/adapter"
	"github.com/pithecene-io/namazing/bus"
	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/metrics"
	"github.com/pithecene-io/namazing/types"
)

// DefaultStorageTimeout bounds each durable save.
const DefaultStorageTimeout = 10 * time.Second

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("supervisor is shutting down")

// Persister saves run snapshots. store.Store satisfies it.
type Persister interface {
	Save(ctx context.Context, run *types.Run) error
}

// Archiver records finished runs for offline analysis.
type Archiver interface {
	WriteRun(ctx context.Context, run *types.Run) error
}

// Config configures a Supervisor.
type Config struct {
	// Worker is the process template. Brief and Mode are filled per run.
	Worker WorkerConfig
	// StorageTimeout bounds each save, archive write and notification.
	// Zero means DefaultStorageTimeout.
	StorageTimeout time.Duration
	// WorkerFactory overrides worker creation (for testing).
	// If nil, uses NewProcessWorker.
	WorkerFactory WorkerFactory
	// NewID overrides run id allocation (for testing).
	NewID func() string
	// Now overrides the clock (for testing).
	Now func() time.Time
}

// Deps are the collaborators a Supervisor drives. Only Bus and Registry
// are required.
type Deps struct {
	Bus       *bus.Bus
	Registry  *Registry
	Store     Persister
	Archive   Archiver
	Notifier  adapter.Adapter
	Collector *metrics.Collector
	Logger    *log.Logger
}

// Supervisor starts runs and owns their workers.
type Supervisor struct {
	config Config
	deps   Deps
	logger *log.Logger

	// base bounds every worker process; cancelled by Shutdown when its
	// deadline passes.
	base       context.Context
	cancelBase context.CancelFunc

	mu       sync.Mutex
	closing  bool
	workers  map[string]Worker
	inflight sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(config Config, deps Deps) (*Supervisor, error) {
	if deps.Bus == nil || deps.Registry == nil {
		return nil, errors.New("supervisor requires a bus and a registry")
	}
	if config.StorageTimeout <= 0 {
		config.StorageTimeout = DefaultStorageTimeout
	}
	if config.WorkerFactory == nil {
		config.WorkerFactory = NewProcessWorker
	}
	if config.NewID == nil {
		config.NewID = uuid.NewString
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	base, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		config:     config,
		deps:       deps,
		logger:     log.OrNop(deps.Logger).Named("supervisor"),
		base:       base,
		cancelBase: cancel,
		workers:    make(map[string]Worker),
	}, nil
}

// Start creates a run, registers it and spawns its worker. It returns as
// soon as the worker is spawned; the run proceeds in the background. A
// spawn failure is not an error here: the run is returned already failed.
//
// ctx is only used for the call itself; the worker outlives it.
func (s *Supervisor) Start(ctx context.Context, brief string, mode types.RunMode) (*LiveRun, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	now := s.config.Now()
	run := types.Run{
		ID:        s.config.NewID(),
		Brief:     brief,
		Mode:      mode,
		Status:    types.StatusPending,
		Events:    []types.Event{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	logger := s.logger.ForRun(run.ID, mode)
	lr := newLiveRun(run, s.deps.Bus, logger, s.deps.Collector, s.config.Now)

	if err := s.deps.Registry.Put(lr); err != nil {
		s.inflight.Done()
		return nil, err
	}
	s.deps.Bus.Open(run.ID)
	s.deps.Collector.IncRunStarted()

	workerConfig := s.config.Worker
	workerConfig.Args = append([]string(nil), s.config.Worker.Args...)
	workerConfig.Brief = brief
	workerConfig.Mode = mode
	worker := s.config.WorkerFactory(&workerConfig)

	logger.Info("starting worker", map[string]any{
		"command": workerConfig.Command,
		"brief":   truncate([]byte(brief), 120),
	})

	if err := worker.Start(s.base); err != nil {
		s.deps.Collector.IncWorkerLaunchFailure()
		logger.Error("failed to start worker", map[string]any{"error": err.Error()})
		lr.apply(exitMessage{err: err})
		s.deps.Collector.IncRunFailed()
		go s.finalize(lr)
		return lr, nil
	}

	s.deps.Collector.IncWorkerLaunchSuccess()
	lr.markRunning()

	s.mu.Lock()
	s.workers[run.ID] = worker
	s.mu.Unlock()

	go s.drive(lr, worker)
	return lr, nil
}

// drive runs the single consumer of a run's message channel.
func (s *Supervisor) drive(lr *LiveRun, worker Worker) {
	msgs := make(chan message, 64)
	go s.produce(lr, worker, msgs)

	for msg := range msgs {
		switch lr.apply(msg) {
		case transitionCompleted:
			s.deps.Collector.IncRunCompleted()
			lr.logger.Info("run completed", nil)
			s.persist(lr, "completed")
		case transitionFailed:
			s.deps.Collector.IncRunFailed()
			lr.logger.Warn("run failed", map[string]any{"error": lr.Snapshot().Error})
		}
	}

	s.mu.Lock()
	delete(s.workers, lr.ID())
	s.mu.Unlock()

	s.finalize(lr)
}

// produce reads stdout to EOF, then reaps the worker. It owns msgs and
// closes it after the exit message.
func (s *Supervisor) produce(lr *LiveRun, worker Worker, msgs chan<- message) {
	defer close(msgs)

	// Stdout must be drained before Wait: Wait closes the pipe and any
	// unread lines would be lost.
	if err := ingest(worker.Stdout(), msgs, lr.logger); err != nil {
		lr.logger.Warn("killing worker after stream error", map[string]any{"error": err.Error()})
		_ = worker.Kill()
	}

	result, err := worker.Wait()
	if err != nil {
		lr.logger.Error("worker wait failed", map[string]any{"error": err.Error()})
		msgs <- exitMessage{err: err}
		return
	}

	fields := map[string]any{"exit_code": result.ExitCode}
	if len(result.Stderr) > 0 {
		fields["stderr"] = strings.TrimSpace(string(result.Stderr))
		fields["stderr_truncated"] = result.StderrTruncated
	}
	if result.ExitCode != ExitCodeSuccess {
		s.deps.Collector.IncWorkerNonZeroExit()
		lr.logger.Warn("worker exited", fields)
	} else {
		lr.logger.Info("worker exited", fields)
	}
	msgs <- exitMessage{code: result.ExitCode}
}

// finalize runs once the worker is gone: final save, archive, notify.
func (s *Supervisor) finalize(lr *LiveRun) {
	defer s.inflight.Done()
	defer lr.markExited()
	defer s.deps.Bus.Close(lr.ID())

	s.persist(lr, "exit")

	snapshot := lr.Snapshot()
	if lr.Discarded() {
		return
	}
	s.archive(lr, snapshot)
	s.notify(lr, snapshot)
}

// persist saves the current snapshot, best effort. Discarded runs are
// skipped.
func (s *Supervisor) persist(lr *LiveRun, reason string) {
	if s.deps.Store == nil {
		return
	}

	lr.persistMu.Lock()
	defer lr.persistMu.Unlock()
	if lr.discarded {
		lr.logger.Debug("skipping save for discarded run", map[string]any{"reason": reason})
		return
	}

	snapshot := lr.Snapshot()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), s.config.StorageTimeout)
	defer cancel()

	if err := s.deps.Store.Save(ctx, snapshot); err != nil {
		s.deps.Collector.IncStoreWriteFailure()
		lr.logger.Error("failed to persist run", map[string]any{
			"reason": reason,
			"status": string(snapshot.Status),
			"error":  err.Error(),
		})
		return
	}
	s.deps.Collector.IncStoreWriteSuccess()
	lr.logger.Debug("run persisted", map[string]any{
		"reason": reason,
		"status": string(snapshot.Status),
		"events": len(snapshot.Events),
	})
}

func (s *Supervisor) archive(lr *LiveRun, run *types.Run) {
	if s.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), s.config.StorageTimeout)
	defer cancel()

	if err := s.deps.Archive.WriteRun(ctx, run); err != nil {
		s.deps.Collector.IncArchiveWriteFailure()
		lr.logger.Warn("archive write failed (best effort)", map[string]any{"error": err.Error()})
		return
	}
	s.deps.Collector.IncArchiveWriteSuccess()
}

func (s *Supervisor) notify(lr *LiveRun, run *types.Run) {
	if s.deps.Notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.base), s.config.StorageTimeout)
	defer cancel()

	event := adapter.NewRunFinishedEvent(run, s.config.Now())
	if err := s.deps.Notifier.Publish(ctx, event); err != nil {
		s.deps.Collector.IncNotifyFailure()
		lr.logger.Warn("notification failed (best effort)", map[string]any{"error": err.Error()})
		return
	}
	s.deps.Collector.IncNotifySuccess()
}

// Active returns the number of runs whose worker has not been finalized.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Shutdown stops accepting runs and waits for in-flight runs to finish.
// When ctx expires first, remaining workers are killed; their runs end as
// failed and are still persisted. Returns ctx.Err() in that case.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		s.cancelBase()
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	remaining := len(s.workers)
	for id, w := range s.workers {
		if err := w.Kill(); err != nil {
			s.logger.Warn("failed to kill worker", map[string]any{"run_id": id, "error": err.Error()})
		}
	}
	s.mu.Unlock()
	s.logger.Warn("shutdown deadline reached, killed workers", map[string]any{"count": remaining})

	s.cancelBase()
	<-finished
	return fmt.Errorf("shutdown: %w", ctx.Err())
}
