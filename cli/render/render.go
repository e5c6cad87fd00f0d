// Package render formats CLI output.
//
// Format selection:
//   - --format always wins; invalid formats are errors
//   - otherwise table on a TTY, json when piped
//
// Generic values are rendered through their JSON encoding so every format
// shows the same keys the HTTP API uses.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/pithecene-io/namazing/types"
)

// Format represents an output format.
type Format string

// Supported formats.
const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// summaryWidth caps free text in table cells.
const summaryWidth = 72

// ParseFormat parses a format string, returning an error for invalid formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil // Let caller decide default
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// Renderer handles output formatting.
type Renderer struct {
	format Format
	out    io.Writer
}

// NewRenderer creates a renderer from the --format flag, writing to stdout.
func NewRenderer(c *cli.Context) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, err
	}
	if format == "" {
		if IsTTY(os.Stdout) {
			format = FormatTable
		} else {
			format = FormatJSON
		}
	}
	return &Renderer{format: format, out: os.Stdout}, nil
}

// NewRendererWithWriter creates a renderer with a custom writer (for testing).
func NewRendererWithWriter(format Format, out io.Writer) *Renderer {
	return &Renderer{format: format, out: out}
}

// Format returns the selected format.
func (r *Renderer) Format() Format {
	return r.format
}

// Render outputs data in the configured format.
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatJSON:
		return r.renderJSON(data)
	case FormatYAML:
		return r.renderYAML(data)
	case FormatTable:
		generic, err := toGeneric(data)
		if err != nil {
			return err
		}
		return r.renderTable(generic)
	default:
		return fmt.Errorf("unknown format: %s", r.format)
	}
}

// RenderRun outputs a run record. The table format shows a summary block
// followed by one row per event.
func (r *Renderer) RenderRun(run *types.Run) error {
	if r.format != FormatTable {
		return r.Render(run)
	}

	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	rows := [][2]string{
		{"id", run.ID},
		{"status", string(run.Status)},
		{"mode", string(run.Mode)},
		{"brief", truncate(oneLine(run.Brief), summaryWidth)},
		{"created", formatTime(run.CreatedAt)},
		{"updated", formatTime(run.UpdatedAt)},
		{"events", fmt.Sprintf("%d", len(run.Events))},
	}
	if run.Error != "" {
		rows = append(rows, [2]string{"error", run.Error})
	}
	if len(run.Result) > 0 {
		rows = append(rows, [2]string{"result", fmt.Sprintf("%d bytes", len(run.Result))})
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s:\t%s\n", row[0], row[1])
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(run.Events) == 0 {
		return nil
	}
	fmt.Fprintln(r.out)
	w = tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTYPE\tAGENT\tDETAIL")
	for i, ev := range run.Events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", i+1, ev.Type(), ev.Agent, Summarize(ev))
	}
	return w.Flush()
}

// Summarize returns a one-line description of an event's payload.
func Summarize(ev types.Event) string {
	switch p := ev.Payload.(type) {
	case types.StageStarted:
		return "started"
	case types.StageCompleted:
		return "done"
	case types.Activity:
		return truncate(oneLine(p.Message), summaryWidth)
	case types.FieldUpdate:
		if len(p.Value) == 0 {
			return p.Field
		}
		return truncate(p.Field+" = "+oneLine(string(p.Value)), summaryWidth)
	case types.StageResult:
		return fmt.Sprintf("result (%d bytes)", len(p.Data))
	case types.StageError:
		if p.Code != nil {
			return fmt.Sprintf("%s (exit %d)", truncate(oneLine(p.Message), summaryWidth), *p.Code)
		}
		return truncate(oneLine(p.Message), summaryWidth)
	case types.RunComplete:
		return "run complete"
	case types.Unknown:
		return fmt.Sprintf("unrecognized event %q", p.Type)
	default:
		return ""
	}
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	generic, err := toGeneric(data)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

func (r *Renderer) renderTable(data any) error {
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	switch v := data.(type) {
	case map[string]any:
		for _, k := range sortedKeys(v) {
			fmt.Fprintf(w, "%s:\t%s\n", k, formatCell(v[k]))
		}
	case []any:
		if len(v) == 0 {
			fmt.Fprintln(w, "(no results)")
			break
		}
		headers := columnHeaders(v)
		fmt.Fprintln(w, strings.ToUpper(strings.Join(headers, "\t")))
		for _, item := range v {
			row, _ := item.(map[string]any)
			cells := make([]string, len(headers))
			for i, h := range headers {
				cells[i] = formatCell(row[h])
			}
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
	default:
		fmt.Fprintln(w, formatCell(v))
	}
	return w.Flush()
}

// toGeneric re-decodes data from its JSON form into maps, slices and
// scalars. Numbers stay json.Number so integers are not rendered as floats.
func toGeneric(data any) (any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return numbersToScalars(out), nil
}

// numbersToScalars converts json.Number into int64 or float64 so the YAML
// encoder writes plain numbers.
func numbersToScalars(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = numbersToScalars(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = numbersToScalars(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func columnHeaders(items []any) []string {
	seen := make(map[string]struct{})
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			for k := range m {
				seen[k] = struct{}{}
			}
		}
	}
	headers := make([]string, 0, len(seen))
	for k := range seen {
		headers = append(headers, k)
	}
	sort.Strings(headers)
	return headers
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return truncate(oneLine(t), summaryWidth)
	case []any:
		if len(t) == 0 {
			return "[]"
		}
		return fmt.Sprintf("[%d items]", len(t))
	case map[string]any:
		if len(t) == 0 {
			return "{}"
		}
		return fmt.Sprintf("{%d keys}", len(t))
	default:
		return fmt.Sprintf("%v", t)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// IsTTY reports whether f is a terminal.
func IsTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
