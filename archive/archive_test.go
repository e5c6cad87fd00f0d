package archive

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/justapithecus/lode/lode"

	"github.com/pithecene-io/namazing/types"
)

func testRun(id string) *types.Run {
	created := time.Date(2026, 2, 3, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	return &types.Run{
		ID:     id,
		Brief:  "a name meaning light",
		Mode:   types.ModeSerial,
		Status: types.StatusCompleted,
		Events: []types.Event{
			types.NewEvent(id, "brief-parser", types.StageStarted{}),
			types.NewEvent(id, "brief-parser", types.FieldUpdate{Field: "gender", Value: json.RawMessage(`"girl"`)}),
			types.NewEvent(id, "brief-parser", types.StageCompleted{}),
		},
		Result:    json.RawMessage(`{"names":["Lucia"]}`),
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}
}

func TestDeriveDay(t *testing.T) {
	ts := time.Date(2026, 2, 3, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	if got := DeriveDay(ts); got != "2026-02-04" {
		t.Errorf("DeriveDay = %q, want 2026-02-04", got)
	}
}

func TestRunRecords(t *testing.T) {
	run := testRun("run-1")
	records, err := runRecords(run)
	if err != nil {
		t.Fatalf("runRecords: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("len(records) = %d, want 4", len(records))
	}

	for i, r := range records {
		m := r.(map[string]any)
		if m["run_id"] != "run-1" || m["mode"] != "serial" || m["day"] != "2026-02-04" {
			t.Errorf("record %d missing partition keys: %v", i, m)
		}
	}

	first := records[0].(map[string]any)
	if first["record_kind"] != RecordKindEvent || first["seq"] != 1 || first["event_type"] != "start" {
		t.Errorf("first record = %v", first)
	}

	summary := records[3].(map[string]any)
	if summary["record_kind"] != RecordKindRun {
		t.Errorf("last record kind = %v, want run", summary["record_kind"])
	}
	if summary["event_count"] != 3 || summary["status"] != "completed" {
		t.Errorf("summary = %v", summary)
	}
	if summary["result"] != `{"names":["Lucia"]}` {
		t.Errorf("summary result = %v", summary["result"])
	}
	if _, ok := summary["error"]; ok {
		t.Error("completed run summary should not carry error")
	}
}

func TestArchive_WriteAndReadEvents(t *testing.T) {
	a, err := New("", lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := t.Context()

	run := testRun("run-1")
	if err := a.WriteRun(ctx, run); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	other := testRun("run-10")
	other.Events = other.Events[:1]
	if err := a.WriteRun(ctx, other); err != nil {
		t.Fatalf("WriteRun other: %v", err)
	}

	events, err := a.Events(ctx, "run-1")
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	for i, ev := range events {
		if ev.Type() != run.Events[i].Type() || ev.RunID != "run-1" || ev.Agent != "brief-parser" {
			t.Errorf("event %d = %+v", i, ev)
		}
	}
	fu, ok := events[1].Payload.(types.FieldUpdate)
	if !ok || fu.Field != "gender" || string(fu.Value) != `"girl"` {
		t.Errorf("field update = %+v", events[1].Payload)
	}
}

func TestArchive_EventsNotArchived(t *testing.T) {
	a, err := New("runs", lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = a.Events(t.Context(), "missing")
	if !errors.Is(err, ErrRunNotArchived) {
		t.Errorf("expected ErrRunNotArchived, got %v", err)
	}
}

func TestArchive_WriteNil(t *testing.T) {
	a, err := New("runs", lode.NewMemoryFactory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.WriteRun(t.Context(), nil); err == nil {
		t.Error("expected error for nil run")
	}
}

func TestMatchesPartitionValue(t *testing.T) {
	tests := []struct {
		path  string
		value string
		want  bool
	}{
		{"datasets/namazing/mode=serial/day=2026-02-04/run_id=run-1/part.jsonl", "run-1", true},
		{"datasets/namazing/mode=serial/day=2026-02-04/run_id=run-10/part.jsonl", "run-1", false},
		{"run_id=run-1", "run-1", true},
		{"", "run-1", false},
	}
	for _, tt := range tests {
		if got := matchesPartitionValue(tt.path, "run_id", tt.value); got != tt.want {
			t.Errorf("matchesPartitionValue(%q, %q) = %v, want %v", tt.path, tt.value, got, tt.want)
		}
	}
}
