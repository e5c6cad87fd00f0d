// Package service is the boundary API over the run core.
//
// Every lookup prefers the live registry and falls back to the durable
// store, so a run stays reachable after its worker exited and after a
// restart. Unknown ids yield ErrNotFound, never an internal error.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/runtime"
	"github.com/pithecene-io/namazing/types"
)

// MaxBriefLength is the longest accepted brief, in characters.
const MaxBriefLength = 4000

// ErrNotFound is returned for run ids that are neither live nor stored.
var ErrNotFound = errors.New("run not found")

// ValidationError rejects a request before any run is created.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Starter launches runs. *runtime.Supervisor satisfies it.
type Starter interface {
	Start(ctx context.Context, brief string, mode types.RunMode) (*runtime.LiveRun, error)
}

// RunStore is the durable side of lookups. store.Store satisfies it.
type RunStore interface {
	Load(ctx context.Context, id string) (*types.Run, error)
	Delete(ctx context.Context, id string) error
}

// StartRequest asks for a new run.
type StartRequest struct {
	Brief string `json:"brief"`
	Mode  string `json:"mode,omitempty"`
}

// StartResponse identifies the new run.
type StartResponse struct {
	RunID string        `json:"runId"`
	Mode  types.RunMode `json:"mode"`
}

// ResultView is the outcome of a run as seen by a caller polling for it.
type ResultView struct {
	Status types.RunStatus `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Ready reports whether the result is final and present.
func (v *ResultView) Ready() bool {
	return v.Status == types.StatusCompleted
}

// Service implements the boundary operations.
type Service struct {
	starter  Starter
	registry *runtime.Registry
	store    RunStore
	logger   *log.Logger
}

// New creates a Service. store may be nil, in which case only live runs
// are reachable.
func New(starter Starter, registry *runtime.Registry, store RunStore, logger *log.Logger) *Service {
	return &Service{
		starter:  starter,
		registry: registry,
		store:    store,
		logger:   log.OrNop(logger).Named("service"),
	}
}

// Start validates the request and launches a run. It returns once the
// worker is spawned, without waiting for output.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResponse, error) {
	brief := strings.TrimSpace(req.Brief)
	if brief == "" {
		return nil, &ValidationError{Field: "brief", Message: "is required"}
	}
	if n := utf8.RuneCountInString(brief); n > MaxBriefLength {
		return nil, &ValidationError{
			Field:   "brief",
			Message: fmt.Sprintf("must be at most %d characters (got %d)", MaxBriefLength, n),
		}
	}
	mode, err := types.ParseRunMode(req.Mode)
	if err != nil {
		return nil, &ValidationError{Field: "mode", Message: err.Error()}
	}

	lr, err := s.starter.Start(ctx, brief, mode)
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &StartResponse{RunID: lr.ID(), Mode: lr.Mode()}, nil
}

// Status returns a snapshot of the run.
func (s *Service) Status(ctx context.Context, id string) (*types.Run, error) {
	if lr, ok := s.registry.Get(id); ok {
		return lr.Snapshot(), nil
	}
	return s.load(ctx, id)
}

// Result returns the run's status with its result or error, if any.
func (s *Service) Result(ctx context.Context, id string) (*ResultView, error) {
	run, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &ResultView{Status: run.Status, Error: run.Error}
	if run.Status == types.StatusCompleted {
		view.Result = run.Result
	}
	return view, nil
}

// Delete removes the run's durable record. Once the record is gone a live
// run is marked discarded so the supervisor does not save it again; its
// worker keeps running.
// Deleting an unknown run is not an error.
func (s *Service) Delete(ctx context.Context, id string) error {
	remove := func() error {
		if s.store == nil {
			return nil
		}
		if err := s.store.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete run %s: %w", id, err)
		}
		return nil
	}

	lr, ok := s.registry.Get(id)
	if !ok {
		return remove()
	}
	// A failed delete leaves the run saveable, so its exit snapshot still
	// replaces the record that survived.
	if err := lr.Discard(remove); err != nil {
		return err
	}
	s.logger.Info("discarded live run", map[string]any{"run_id": id, "status": string(lr.Status())})
	return nil
}

// Stream opens an event stream. Live runs replay the events emitted so
// far and then follow new ones; stored runs replay only.
func (s *Service) Stream(ctx context.Context, id string) (*Stream, error) {
	if lr, ok := s.registry.Get(id); ok {
		return openLive(lr)
	}
	run, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return replayOnly(run), nil
}

// load reads a run from the durable store.
func (s *Service) load(ctx context.Context, id string) (*types.Run, error) {
	if s.store == nil {
		return nil, ErrNotFound
	}
	run, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", id, err)
	}
	if run == nil {
		return nil, ErrNotFound
	}
	return run, nil
}
