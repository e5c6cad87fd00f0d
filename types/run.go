// Package types defines core domain types for the Namazing run core.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RunMode selects the execution strategy the worker uses.
type RunMode string

const (
	// ModeSerial runs the worker's stages one after another.
	ModeSerial RunMode = "serial"
	// ModeParallel lets the worker fan out independent stages.
	ModeParallel RunMode = "parallel"
)

// DefaultMode is used when a caller does not choose a mode.
const DefaultMode = ModeSerial

// ParseRunMode parses a mode string. Empty input yields DefaultMode.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultMode, nil
	case ModeSerial:
		return ModeSerial, nil
	case ModeParallel:
		return ModeParallel, nil
	default:
		return "", fmt.Errorf("invalid mode %q (must be serial or parallel)", s)
	}
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s RunStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses so transitions can only move forward.
func (s RunStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a run may move from s to next.
// Terminal states never transition; pending may skip straight to failed
// (spawn failure).
func (s RunStatus) CanTransition(next RunStatus) bool {
	if s.IsTerminal() || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

// Run is the serializable state of one consultation.
// It never carries process or bus handles.
type Run struct {
	ID     string    `json:"id"`
	Brief  string    `json:"brief"`
	Mode   RunMode   `json:"mode"`
	Status RunStatus `json:"status"`
	// Events holds progress events in emission order. Never shrinks.
	Events []Event `json:"events"`
	// Result is set only once Status is completed.
	Result json.RawMessage `json:"result,omitempty"`
	// Error is set only once Status is failed.
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks the invariants that must hold for any persisted run.
func (r *Run) Validate() error {
	if r.ID == "" {
		return errors.New("run id is required")
	}
	if r.Mode != ModeSerial && r.Mode != ModeParallel {
		return fmt.Errorf("invalid mode %q", r.Mode)
	}
	if r.Status.rank() < 0 {
		return fmt.Errorf("invalid status %q", r.Status)
	}
	if len(r.Result) > 0 && r.Status != StatusCompleted {
		return fmt.Errorf("result present with status %s", r.Status)
	}
	return nil
}

// Clone returns a deep copy safe to hand to other goroutines.
func (r *Run) Clone() *Run {
	c := *r
	if r.Events != nil {
		c.Events = make([]Event, len(r.Events))
		copy(c.Events, r.Events)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}
