package runtime

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pithecene-io/namazing/bus"
	"github.com/pithecene-io/namazing/metrics"
	"github.com/pithecene-io/namazing/types"
)

var fixedTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestLiveRun returns a running LiveRun on a fresh bus.
func newTestLiveRun(t *testing.T) (*LiveRun, *bus.Bus, *metrics.Collector) {
	t.Helper()
	b := bus.New(nil)
	b.Open("run-1")
	c := metrics.NewCollector("memory", "")
	lr := newLiveRun(types.Run{
		ID:        "run-1",
		Brief:     "a name for a girl",
		Mode:      types.ModeSerial,
		Status:    types.StatusPending,
		Events:    []types.Event{},
		CreatedAt: fixedTime,
		UpdatedAt: fixedTime,
	}, b, nil, c, func() time.Time { return fixedTime })
	if lr.markRunning() != transitionRunning {
		t.Fatal("expected pending -> running")
	}
	return lr, b, c
}

func line(agent string, p types.Payload) message {
	return lineMessage{event: types.NewEvent("", agent, p)}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestLiveRun_AppendsAndPublishesEvents(t *testing.T) {
	lr, b, c := newTestLiveRun(t)

	var published []types.Event
	if _, err := b.Subscribe("run-1", func(ev types.Event) { published = append(published, ev) }); err != nil {
		t.Fatal(err)
	}

	lr.apply(line("brief-parser", types.StageStarted{}))
	lr.apply(line("brief-parser", types.Activity{Message: "parsing"}))
	lr.apply(line("brief-parser", types.StageCompleted{}))

	run := lr.Snapshot()
	if len(run.Events) != 3 {
		t.Fatalf("events = %d, want 3", len(run.Events))
	}
	for _, ev := range run.Events {
		if ev.RunID != "run-1" {
			t.Errorf("event run id = %q, want run-1", ev.RunID)
		}
	}
	if len(published) != 3 || published[1].Type() != types.EventTypeActivity {
		t.Errorf("published = %v", published)
	}
	if got := c.Snapshot().EventsPublished; got != 3 {
		t.Errorf("EventsPublished = %d, want 3", got)
	}
}

func TestLiveRun_CompletionSignalNotAppended(t *testing.T) {
	lr, b, _ := newTestLiveRun(t)

	var published []types.Event
	if _, err := b.Subscribe("run-1", func(ev types.Event) { published = append(published, ev) }); err != nil {
		t.Fatal(err)
	}

	lr.apply(line("ranker", types.StageResult{Data: json.RawMessage(`[1]`)}))
	tr := lr.apply(line("", types.RunComplete{Result: json.RawMessage(`{"top":"Ada"}`)}))

	if tr != transitionCompleted {
		t.Fatalf("transition = %v, want completed", tr)
	}
	run := lr.Snapshot()
	if run.Status != types.StatusCompleted {
		t.Errorf("status = %q", run.Status)
	}
	if string(run.Result) != `{"top":"Ada"}` {
		t.Errorf("result = %s", run.Result)
	}
	for _, ev := range run.Events {
		if ev.Type() == types.EventTypeRunComplete {
			t.Error("completion signal appended to events")
		}
	}
	for _, ev := range published {
		if ev.Type() == types.EventTypeRunComplete {
			t.Error("completion signal published")
		}
	}
	if !isClosed(lr.Done()) {
		t.Error("Done not closed after completion")
	}
}

func TestLiveRun_FirstCompletionWins(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)

	lr.apply(line("", types.RunComplete{Result: json.RawMessage(`"first"`)}))
	tr := lr.apply(line("", types.RunComplete{Result: json.RawMessage(`"second"`)}))

	if tr != transitionNone {
		t.Errorf("second completion transition = %v, want none", tr)
	}
	if got := string(lr.Snapshot().Result); got != `"first"` {
		t.Errorf("result = %s, want \"first\"", got)
	}
}

func TestLiveRun_CompletionWithoutResult(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)

	lr.apply(line("", types.RunComplete{}))

	run := lr.Snapshot()
	if run.Status != types.StatusCompleted || string(run.Result) != "null" {
		t.Errorf("run = %+v", run)
	}
	if err := run.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLiveRun_EventsAfterTerminalDropped(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)

	lr.apply(line("a", types.StageStarted{}))
	lr.apply(line("", types.RunComplete{Result: json.RawMessage(`{}`)}))
	lr.apply(line("a", types.Activity{Message: "late"}))

	if got := len(lr.Snapshot().Events); got != 1 {
		t.Errorf("events = %d, want 1", got)
	}
}

func TestLiveRun_UnknownEventAppended(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)

	lr.apply(line("x", types.Unknown{Type: "heartbeat", Raw: json.RawMessage(`{"t":"heartbeat"}`)}))

	run := lr.Snapshot()
	if len(run.Events) != 1 || run.Events[0].Type() != "heartbeat" {
		t.Errorf("events = %v", run.Events)
	}
}

func TestLiveRun_MalformedDropped(t *testing.T) {
	lr, _, c := newTestLiveRun(t)

	tr := lr.apply(malformedMessage{line: []byte("garbage"), err: errors.New("bad json")})

	if tr != transitionNone {
		t.Errorf("transition = %v", tr)
	}
	if len(lr.Snapshot().Events) != 0 {
		t.Error("malformed line appended")
	}
	if lr.Status() != types.StatusRunning {
		t.Errorf("status = %q", lr.Status())
	}
	if got := c.Snapshot().DecodeErrors; got != 1 {
		t.Errorf("DecodeErrors = %d, want 1", got)
	}
}

func TestLiveRun_Exit(t *testing.T) {
	tests := []struct {
		name       string
		complete   bool
		exit       exitMessage
		wantTr     transition
		wantStatus types.RunStatus
		wantError  string
		wantEvents int
		wantCode   *int
	}{
		{
			name:       "non-zero without completion",
			exit:       exitMessage{code: 2},
			wantTr:     transitionFailed,
			wantStatus: types.StatusFailed,
			wantError:  "worker exited with code 2",
			wantEvents: 1,
			wantCode:   intPtr(2),
		},
		{
			name:       "zero without completion",
			exit:       exitMessage{code: 0},
			wantTr:     transitionFailed,
			wantStatus: types.StatusFailed,
			wantError:  "worker exited without completion signal",
			wantEvents: 1,
			wantCode:   intPtr(0),
		},
		{
			name:       "zero after completion",
			complete:   true,
			exit:       exitMessage{code: 0},
			wantTr:     transitionNone,
			wantStatus: types.StatusCompleted,
		},
		{
			name:       "non-zero after completion stays completed",
			complete:   true,
			exit:       exitMessage{code: 137},
			wantTr:     transitionNone,
			wantStatus: types.StatusCompleted,
		},
		{
			name:       "wait failure",
			exit:       exitMessage{err: errors.New("worker wait failed: boom")},
			wantTr:     transitionFailed,
			wantStatus: types.StatusFailed,
			wantError:  "worker wait failed: boom",
			wantEvents: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr, _, _ := newTestLiveRun(t)
			if tt.complete {
				lr.apply(line("", types.RunComplete{Result: json.RawMessage(`{}`)}))
			}

			if tr := lr.apply(tt.exit); tr != tt.wantTr {
				t.Errorf("transition = %v, want %v", tr, tt.wantTr)
			}

			run := lr.Snapshot()
			if run.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", run.Status, tt.wantStatus)
			}
			if run.Error != tt.wantError {
				t.Errorf("error = %q, want %q", run.Error, tt.wantError)
			}
			if len(run.Events) != tt.wantEvents {
				t.Fatalf("events = %d, want %d", len(run.Events), tt.wantEvents)
			}
			if tt.wantEvents == 1 {
				se, ok := run.Events[0].Payload.(types.StageError)
				if !ok || se.Message != tt.wantError || run.Events[0].Agent != supervisorAgent {
					t.Errorf("error event = %#v", run.Events[0])
				}
				if (se.Code == nil) != (tt.wantCode == nil) || (se.Code != nil && *se.Code != *tt.wantCode) {
					t.Errorf("code = %v, want %v", se.Code, tt.wantCode)
				}
			}
			if !isClosed(lr.Done()) {
				t.Error("Done not closed")
			}
		})
	}
}

func TestLiveRun_ExitCodeRecorded(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)
	if _, ok := lr.ExitCode(); ok {
		t.Fatal("exit code known before exit")
	}
	lr.apply(exitMessage{code: 4})
	if code, ok := lr.ExitCode(); !ok || code != 4 {
		t.Errorf("ExitCode() = %d, %v", code, ok)
	}
}

func TestLiveRun_StatusNeverRegresses(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)
	lr.apply(exitMessage{code: 1})

	if tr := lr.markRunning(); tr != transitionNone {
		t.Errorf("failed -> running allowed")
	}
	lr.apply(line("", types.RunComplete{Result: json.RawMessage(`{}`)}))
	if lr.Status() != types.StatusFailed {
		t.Errorf("status = %q, want failed", lr.Status())
	}
	if lr.Snapshot().Result != nil {
		t.Error("result set on failed run")
	}
}

func TestLiveRun_SubscribeReplayThenLive(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)
	lr.apply(line("a", types.StageStarted{}))
	lr.apply(line("a", types.Activity{Message: "one"}))

	var live []types.Event
	replay, unsub, terminal, err := lr.Subscribe(func(ev types.Event) { live = append(live, ev) })
	if err != nil {
		t.Fatal(err)
	}
	if terminal {
		t.Fatal("running run reported terminal")
	}
	lr.apply(line("a", types.Activity{Message: "two"}))
	unsub()
	lr.apply(line("a", types.StageCompleted{}))

	if len(replay) != 2 {
		t.Errorf("replay = %d, want 2", len(replay))
	}
	if len(live) != 1 || live[0].Payload.(types.Activity).Message != "two" {
		t.Errorf("live = %v", live)
	}
}

func TestLiveRun_SubscribeTerminal(t *testing.T) {
	lr, b, _ := newTestLiveRun(t)
	lr.apply(line("a", types.StageStarted{}))
	lr.apply(exitMessage{code: 1})

	replay, unsub, terminal, err := lr.Subscribe(func(types.Event) { t.Error("listener called for terminal run") })
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	if !terminal {
		t.Error("expected terminal")
	}
	if len(replay) != 2 {
		t.Errorf("replay = %d, want 2 (start + exit error)", len(replay))
	}
	if b.Subscribers("run-1") != 0 {
		t.Error("terminal subscribe registered a listener")
	}
}

func TestLiveRun_SnapshotIsCopy(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)
	lr.apply(line("a", types.StageStarted{}))

	snap := lr.Snapshot()
	snap.Events = append(snap.Events, types.NewEvent("run-1", "x", types.StageCompleted{}))

	if len(lr.Snapshot().Events) != 1 {
		t.Error("snapshot shares event storage with live run")
	}
}

func TestLiveRun_Discard(t *testing.T) {
	lr, _, _ := newTestLiveRun(t)
	if lr.Discarded() {
		t.Fatal("new run discarded")
	}
	boom := errors.New("disk on fire")
	if err := lr.Discard(func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Discard error = %v, want %v", err, boom)
	}
	if lr.Discarded() {
		t.Error("failed removal must leave the run saveable")
	}

	if err := lr.Discard(func() error { return nil }); err != nil {
		t.Fatal(err)
	}
	if !lr.Discarded() {
		t.Error("Discard not recorded")
	}
}

func intPtr(v int) *int { return &v }
