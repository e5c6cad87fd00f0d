package ipc

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/pithecene-io/namazing/types"
)

// readAll drains the decoder, collecting lines and non-fatal errors.
func readAll(t *testing.T, d *LineDecoder) ([]string, []error) {
	t.Helper()
	var lines []string
	var errs []error
	for {
		line, err := d.ReadLine()
		if errors.Is(err, io.EOF) {
			return lines, errs
		}
		if err != nil {
			if IsFatalLineError(err) {
				t.Fatalf("fatal error: %v", err)
			}
			errs = append(errs, err)
			continue
		}
		lines = append(lines, string(line))
	}
}

func TestLineDecoder_Lines(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"single", "{\"t\":\"start\"}\n", []string{`{"t":"start"}`}},
		{"multiple", "a\nb\nc\n", []string{"a", "b", "c"}},
		{"blank lines skipped", "\n\na\n  \n\nb\n", []string{"a", "b"}},
		{"crlf", "a\r\nb\r\n", []string{"a", "b"}},
		{"final line without newline", "a\nb", []string{"a", "b"}},
		{"only unterminated", "tail", []string{"tail"}},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lines, errs := readAll(t, NewLineDecoder(strings.NewReader(tt.input)))
			if len(errs) != 0 {
				t.Fatalf("unexpected errors: %v", errs)
			}
			if len(lines) != len(tt.want) {
				t.Fatalf("got %q, want %q", lines, tt.want)
			}
			for i := range lines {
				if lines[i] != tt.want[i] {
					t.Errorf("line %d = %q, want %q", i, lines[i], tt.want[i])
				}
			}
		})
	}
}

func TestLineDecoder_PartialReads(t *testing.T) {
	// One byte per Read: partial output must be buffered until the newline.
	input := "{\"t\":\"msg\",\"msg\":\"hello\"}\n{\"t\":\"done\"}"
	d := NewLineDecoder(iotest.OneByteReader(strings.NewReader(input)))

	lines, errs := readAll(t, d)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	want := []string{`{"t":"msg","msg":"hello"}`, `{"t":"done"}`}
	if len(lines) != 2 || lines[0] != want[0] || lines[1] != want[1] {
		t.Fatalf("got %q, want %q", lines, want)
	}
}

func TestLineDecoder_Oversized(t *testing.T) {
	input := "ok\n" + strings.Repeat("x", 100) + "\nafter\n" + strings.Repeat("y", 100)
	d := NewLineDecoderSize(strings.NewReader(input), 32)

	lines, errs := readAll(t, d)
	if len(lines) != 2 || lines[0] != "ok" || lines[1] != "after" {
		t.Fatalf("lines = %q", lines)
	}
	if len(errs) != 2 {
		t.Fatalf("expected 2 oversize errors, got %v", errs)
	}
	for _, err := range errs {
		var lineErr *LineError
		if !errors.As(err, &lineErr) || lineErr.Kind != LineErrorTooLarge {
			t.Errorf("expected LineErrorTooLarge, got %v", err)
		}
	}
}

func TestLineDecoder_ReadFailureIsFatal(t *testing.T) {
	boom := errors.New("pipe broke")
	d := NewLineDecoder(io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom)))

	_, err := d.ReadLine()
	if !IsFatalLineError(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestDecodeLine(t *testing.T) {
	ev, err := DecodeLine([]byte(`{"t":"msg","agent":"researcher","msg":"hi"}`))
	if err != nil {
		t.Fatalf("DecodeLine: %v", err)
	}
	if ev.Type() != types.EventTypeActivity || ev.Agent != "researcher" {
		t.Errorf("unexpected event %#v", ev)
	}
	if p, ok := ev.Payload.(types.Activity); !ok || p.Message != "hi" {
		t.Errorf("payload = %#v", ev.Payload)
	}
}

func TestDecodeLine_Malformed(t *testing.T) {
	tests := []string{
		`not json`,
		`{"t":"start"`,
		`{"agent":"x"}`,
		`{"t":"msg","msg":{"nested":true}}`,
		`42`,
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			_, err := DecodeLine([]byte(line))
			var lineErr *LineError
			if !errors.As(err, &lineErr) || lineErr.Kind != LineErrorDecode {
				t.Fatalf("expected LineErrorDecode, got %v", err)
			}
			if lineErr.IsFatal() {
				t.Error("decode errors must not be fatal")
			}
		})
	}
}

func TestDecodeLine_MissingType(t *testing.T) {
	_, err := DecodeLine([]byte(`{"agent":"x"}`))
	if !errors.Is(err, types.ErrMissingType) {
		t.Fatalf("expected ErrMissingType in chain, got %v", err)
	}
}
