package runtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pithecene-io/namazing/bus"
	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/metrics"
	"github.com/pithecene-io/namazing/types"
)

// supervisorAgent is the agent name on events the supervisor synthesizes.
const supervisorAgent = "supervisor"

// message is one input to a run's state machine. The supervisor pushes
// every decoded line, every dropped line and the final exit through a
// single channel, so apply is the only place a run changes state.
type message interface {
	isMessage()
}

// lineMessage carries one decoded worker line.
type lineMessage struct {
	event types.Event
}

// malformedMessage reports a worker line that could not be decoded.
type malformedMessage struct {
	line []byte
	err  error
}

// exitMessage reports that the worker is gone. err is set when the
// process could not be started or reaped; code is meaningful otherwise.
type exitMessage struct {
	code int
	err  error
}

func (lineMessage) isMessage()      {}
func (malformedMessage) isMessage() {}
func (exitMessage) isMessage()      {}

// transition reports the status change caused by one message.
type transition int

const (
	transitionNone transition = iota
	transitionRunning
	transitionCompleted
	transitionFailed
)

// LiveRun is a run owned by this process. It holds the Run Record and
// applies worker messages to it. All exported methods are safe for
// concurrent use.
type LiveRun struct {
	mu  sync.Mutex
	run types.Run

	bus       *bus.Bus
	logger    *log.Logger
	collector *metrics.Collector
	now       func() time.Time

	// done is closed when the run reaches a terminal status.
	done chan struct{}
	// exited is closed once the worker is gone and the final snapshot has
	// been handed to the store.
	exited   chan struct{}
	exitCode *int

	// persistMu serializes saves with Discard so a deleted run is never
	// written back.
	persistMu sync.Mutex
	discarded bool
}

func newLiveRun(run types.Run, b *bus.Bus, logger *log.Logger, collector *metrics.Collector, now func() time.Time) *LiveRun {
	if now == nil {
		now = time.Now
	}
	return &LiveRun{
		run:       run,
		bus:       b,
		logger:    log.OrNop(logger),
		collector: collector,
		now:       now,
		done:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
}

// ID returns the run id.
func (lr *LiveRun) ID() string {
	return lr.run.ID
}

// Mode returns the run mode.
func (lr *LiveRun) Mode() types.RunMode {
	return lr.run.Mode
}

// CreatedAt returns the creation time.
func (lr *LiveRun) CreatedAt() time.Time {
	return lr.run.CreatedAt
}

// Status returns the current status.
func (lr *LiveRun) Status() types.RunStatus {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.run.Status
}

// Snapshot returns a deep copy of the Run Record.
func (lr *LiveRun) Snapshot() *types.Run {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.run.Clone()
}

// ExitCode returns the worker exit code once known.
func (lr *LiveRun) ExitCode() (int, bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if lr.exitCode == nil {
		return 0, false
	}
	return *lr.exitCode, true
}

// Done is closed when the run reaches completed or failed.
func (lr *LiveRun) Done() <-chan struct{} {
	return lr.done
}

// Exited is closed when the worker is gone and final persistence has run.
func (lr *LiveRun) Exited() <-chan struct{} {
	return lr.exited
}

// Subscribe atomically captures the events emitted so far and registers fn
// for every later event, so a subscriber sees each event exactly once.
// For a terminal run it returns the replay only, with a no-op unsubscribe
// and terminal set. fn runs with the run locked and must not call back
// into lr.
func (lr *LiveRun) Subscribe(fn bus.Listener) (replay []types.Event, unsubscribe func(), terminal bool, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	replay = append([]types.Event(nil), lr.run.Events...)
	if lr.run.Status.IsTerminal() {
		return replay, func() {}, true, nil
	}
	unsubscribe, err = lr.bus.Subscribe(lr.run.ID, fn)
	if err != nil {
		return nil, nil, false, err
	}
	return replay, unsubscribe, false, nil
}

// Discard calls remove with saves held off and, if remove succeeds, marks
// the run so the supervisor stops persisting it. When remove fails the run
// keeps being saved as usual. It waits for an in-flight save to finish.
func (lr *LiveRun) Discard(remove func() error) error {
	lr.persistMu.Lock()
	defer lr.persistMu.Unlock()
	if err := remove(); err != nil {
		return err
	}
	lr.discarded = true
	return nil
}

// Discarded reports whether Discard was called.
func (lr *LiveRun) Discarded() bool {
	lr.persistMu.Lock()
	defer lr.persistMu.Unlock()
	return lr.discarded
}

// markRunning records a successful spawn.
func (lr *LiveRun) markRunning() transition {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if !lr.run.Status.CanTransition(types.StatusRunning) {
		return transitionNone
	}
	lr.run.Status = types.StatusRunning
	lr.run.UpdatedAt = lr.now()
	return transitionRunning
}

// apply feeds one message through the state machine.
func (lr *LiveRun) apply(msg message) transition {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	switch m := msg.(type) {
	case lineMessage:
		return lr.applyLine(m.event)
	case malformedMessage:
		lr.collector.IncDecodeErrors()
		lr.logger.Warn("dropping malformed worker line", map[string]any{
			"error": m.err.Error(),
			"line":  truncate(m.line, 256),
		})
		return transitionNone
	case exitMessage:
		return lr.applyExit(m)
	default:
		return transitionNone
	}
}

func (lr *LiveRun) applyLine(ev types.Event) transition {
	if rc, ok := ev.Payload.(types.RunComplete); ok {
		if lr.run.Status.IsTerminal() {
			lr.logger.Warn("ignoring completion signal for finished run", map[string]any{
				"status": string(lr.run.Status),
			})
			return transitionNone
		}
		result := rc.Result
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		lr.run.Result = append(json.RawMessage(nil), result...)
		lr.finish(types.StatusCompleted, "")
		return transitionCompleted
	}

	if lr.run.Status.IsTerminal() {
		lr.logger.Debug("dropping event after terminal status", map[string]any{
			"event_type": string(ev.Type()),
			"agent":      ev.Agent,
		})
		return transitionNone
	}
	lr.appendEvent(ev)
	return transitionNone
}

func (lr *LiveRun) applyExit(m exitMessage) transition {
	if m.err == nil {
		code := m.code
		lr.exitCode = &code
	}
	if lr.run.Status == types.StatusFailed {
		return transitionNone
	}

	if m.err != nil {
		if lr.run.Status == types.StatusCompleted {
			lr.logger.Warn("worker wait failed after completion", map[string]any{"error": m.err.Error()})
			return transitionNone
		}
		msg := m.err.Error()
		lr.appendEvent(types.NewEvent(lr.run.ID, supervisorAgent, types.StageError{Message: msg}))
		lr.finish(types.StatusFailed, msg)
		return transitionFailed
	}

	outcome := DetermineOutcome(m.code, lr.run.Status == types.StatusCompleted)
	if outcome.Status == types.StatusCompleted {
		if outcome.Conflict {
			lr.logger.Warn("worker exited non-zero after completion signal", map[string]any{
				"exit_code": m.code,
			})
		}
		return transitionNone
	}

	code := m.code
	lr.appendEvent(types.NewEvent(lr.run.ID, supervisorAgent, types.StageError{Message: outcome.Message, Code: &code}))
	lr.finish(types.StatusFailed, outcome.Message)
	return transitionFailed
}

// appendEvent stamps, appends and publishes ev. Caller holds lr.mu.
func (lr *LiveRun) appendEvent(ev types.Event) {
	ev.RunID = lr.run.ID
	lr.run.Events = append(lr.run.Events, ev)
	lr.run.UpdatedAt = lr.now()
	lr.collector.ObserveEvent(string(ev.Type()))
	lr.bus.Publish(lr.run.ID, ev)
}

// finish moves the run to a terminal status. Caller holds lr.mu.
func (lr *LiveRun) finish(status types.RunStatus, errMsg string) {
	lr.run.Status = status
	lr.run.Error = errMsg
	lr.run.UpdatedAt = lr.now()
	close(lr.done)
}

// markExited closes Exited. Called once by the supervisor.
func (lr *LiveRun) markExited() {
	close(lr.exited)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
