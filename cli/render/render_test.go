package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/namazing/types"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Format
		wantErr bool
	}{
		{"json lowercase", "json", FormatJSON, false},
		{"json uppercase", "JSON", FormatJSON, false},
		{"table", "table", FormatTable, false},
		{"yaml", "yaml", FormatYAML, false},
		{"empty", "", "", false},
		{"invalid", "xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}

	if _, err := ParseFormat("csv"); err == nil || !strings.Contains(err.Error(), "json, table, or yaml") {
		t.Errorf("error message should mention valid formats, got: %v", err)
	}
}

func sampleRun() *types.Run {
	code := 1
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return &types.Run{
		ID:     "5e0c7a52-3a4b-4f0e-9a51-0c4f5e7d9b21",
		Brief:  "A short name\nfor a girl",
		Mode:   types.ModeParallel,
		Status: types.StatusFailed,
		Error:  "worker exited with code 1",
		Events: []types.Event{
			types.NewEvent("r", "brief-parser", types.StageStarted{}),
			types.NewEvent("r", "brief-parser", types.Activity{Message: "reading   the brief"}),
			types.NewEvent("r", "supervisor", types.StageError{Message: "worker exited with code 1", Code: &code}),
		},
		CreatedAt: created,
		UpdatedAt: created.Add(time.Minute),
	}
}

func TestRenderRun_Table(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRendererWithWriter(FormatTable, &buf).RenderRun(sampleRun()); err != nil {
		t.Fatalf("RenderRun failed: %v", err)
	}
	got := buf.String()

	for _, want := range []string{
		"status:",
		"failed",
		"A short name for a girl",
		"2026-03-01T09:30:00Z",
		"error:",
		"SEQ",
		"reading the brief",
		"worker exited with code 1 (exit 1)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("table output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "result:") {
		t.Errorf("failed run should have no result row:\n%s", got)
	}
}

func TestRenderRun_JSON(t *testing.T) {
	var buf bytes.Buffer
	run := sampleRun()
	if err := NewRendererWithWriter(FormatJSON, &buf).RenderRun(run); err != nil {
		t.Fatalf("RenderRun failed: %v", err)
	}

	var decoded types.Run
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not a run: %v", err)
	}
	if decoded.ID != run.ID || len(decoded.Events) != 3 {
		t.Errorf("unexpected decoded run: %+v", decoded)
	}
}

func TestRenderRun_YAMLUsesWireKeys(t *testing.T) {
	var buf bytes.Buffer
	if err := NewRendererWithWriter(FormatYAML, &buf).RenderRun(sampleRun()); err != nil {
		t.Fatalf("RenderRun failed: %v", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("output is not YAML: %v", err)
	}
	if _, ok := doc["createdAt"]; !ok {
		t.Errorf("expected createdAt key, got %v", doc)
	}
	events, ok := doc["events"].([]any)
	if !ok || len(events) != 3 {
		t.Fatalf("expected 3 events, got %v", doc["events"])
	}
	last := events[2].(map[string]any)
	if last["t"] != "error" || last["code"] != 1 {
		t.Errorf("unexpected last event: %v", last)
	}
}

func TestRenderer_Table(t *testing.T) {
	type item struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}

	tests := []struct {
		name string
		data any
		want []string
	}{
		{"struct", item{ID: "a", Count: 42}, []string{"count:", "42", "id:", "a"}},
		{"slice", []item{{ID: "first"}, {ID: "second", Count: 2}}, []string{"COUNT", "ID", "first", "second"}},
		{"empty slice", []string{}, []string{"(no results)"}},
		{"nested", map[string]any{"tags": []string{"x", "y"}, "meta": map[string]int{}}, []string{"[2 items]", "{}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := NewRendererWithWriter(FormatTable, &buf).Render(tt.data); err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}

func TestRenderer_YAMLIntegers(t *testing.T) {
	var buf bytes.Buffer
	data := map[string]any{"runs_started_total": 3, "storage_backend": "file"}
	if err := NewRendererWithWriter(FormatYAML, &buf).Render(data); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := "runs_started_total: 3\nstorage_backend: file\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
}

func TestSummarize(t *testing.T) {
	code := 3
	tests := []struct {
		payload types.Payload
		want    string
	}{
		{types.StageStarted{}, "started"},
		{types.StageCompleted{}, "done"},
		{types.Activity{Message: "  scoring\tcandidates "}, "scoring candidates"},
		{types.FieldUpdate{Field: "shortlist"}, "shortlist"},
		{types.FieldUpdate{Field: "shortlist", Value: json.RawMessage(`["Ada"]`)}, `shortlist = ["Ada"]`},
		{types.StageResult{Data: json.RawMessage(`{"a":1}`)}, "result (7 bytes)"},
		{types.StageError{Message: "boom"}, "boom"},
		{types.StageError{Message: "boom", Code: &code}, "boom (exit 3)"},
		{types.Unknown{Type: "usage"}, `unrecognized event "usage"`},
	}
	for _, tt := range tests {
		ev := types.NewEvent("r", "a", tt.payload)
		if got := Summarize(ev); got != tt.want {
			t.Errorf("Summarize(%T) = %q, want %q", tt.payload, got, tt.want)
		}
	}

	long := types.NewEvent("r", "a", types.Activity{Message: strings.Repeat("x", 200)})
	if got := []rune(Summarize(long)); len(got) != summaryWidth {
		t.Errorf("expected truncation to %d runes, got %d", summaryWidth, len(got))
	}
}
