// Package adapter defines the notification boundary for finished runs.
//
// Adapters publish a summary of each finished run to a downstream system.
// The supervisor owns adapter lifecycle; users provide configuration only.
package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/pithecene-io/namazing/types"
)

// EventTypeRunFinished is the event_type of every notification.
const EventTypeRunFinished = "run_finished"

// RunFinishedEvent is the payload published when a run's worker has exited.
type RunFinishedEvent struct {
	ContractVersion string `json:"contract_version" msgpack:"contract_version"`
	EventType       string `json:"event_type" msgpack:"event_type"` // always "run_finished"
	RunID           string `json:"run_id" msgpack:"run_id"`
	Mode            string `json:"mode" msgpack:"mode"`
	Status          string `json:"status" msgpack:"status"` // completed or failed
	Error           string `json:"error,omitempty" msgpack:"error,omitempty"`
	EventCount      int    `json:"event_count" msgpack:"event_count"`
	HasResult       bool   `json:"has_result" msgpack:"has_result"`
	Timestamp       string `json:"timestamp" msgpack:"timestamp"` // RFC 3339
	DurationMs      int64  `json:"duration_ms" msgpack:"duration_ms"`
}

// NewRunFinishedEvent summarizes a terminal run.
func NewRunFinishedEvent(run *types.Run, finishedAt time.Time) *RunFinishedEvent {
	return &RunFinishedEvent{
		ContractVersion: types.ContractVersion,
		EventType:       EventTypeRunFinished,
		RunID:           run.ID,
		Mode:            string(run.Mode),
		Status:          string(run.Status),
		Error:           run.Error,
		EventCount:      len(run.Events),
		HasResult:       len(run.Result) > 0,
		Timestamp:       finishedAt.UTC().Format(time.RFC3339),
		DurationMs:      finishedAt.Sub(run.CreatedAt).Milliseconds(),
	}
}

// Adapter publishes run-finished events to a downstream system.
type Adapter interface {
	// Publish sends a run-finished event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *RunFinishedEvent) error

	// Close releases adapter resources.
	Close() error
}

// DefaultBackoff is the delay before the first retry. Each further retry
// doubles it.
const DefaultBackoff = 500 * time.Millisecond

// RetryPolicy controls how Publish implementations retry.
type RetryPolicy struct {
	// Retries is the number of attempts after the first.
	Retries int
	// Backoff is the base delay (default 500ms).
	Backoff time.Duration
	// Permanent reports errors that must not be retried. Optional.
	Permanent func(error) bool
}

// Do calls attempt until it succeeds, the policy is exhausted, or ctx ends.
// name prefixes returned errors.
func (p RetryPolicy) Do(ctx context.Context, name string, attempt func(context.Context) error) error {
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	attempts := 1 + max(p.Retries, 0)

	var lastErr error
	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		if i > 0 {
			delay := time.Duration(1<<uint(i-1)) * backoff
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if p.Permanent != nil && p.Permanent(lastErr) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}
