// Package ipc implements newline-delimited JSON framing for the worker
// output stream.
package ipc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/namazing/types"
)

// MaxLineSize is the largest line the decoder will hand out (1 MiB).
// Longer lines are discarded up to their newline and reported as
// LineErrorTooLarge.
const MaxLineSize = 1024 * 1024

// LineErrorKind classifies line decoding errors.
type LineErrorKind int

const (
	// LineErrorTooLarge indicates a line exceeding the size limit.
	LineErrorTooLarge LineErrorKind = iota
	// LineErrorDecode indicates a line that is not a valid event object.
	LineErrorDecode
	// LineErrorRead indicates the underlying reader failed.
	LineErrorRead
)

func (k LineErrorKind) String() string {
	switch k {
	case LineErrorTooLarge:
		return "too_large"
	case LineErrorDecode:
		return "decode"
	case LineErrorRead:
		return "read"
	default:
		return "unknown"
	}
}

// LineError represents a line decoding error.
type LineError struct {
	Kind LineErrorKind
	Msg  string
	Err  error
}

func (e *LineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if the stream cannot continue after this error.
// Oversized and malformed lines are skipped; read failures end the stream.
func (e *LineError) IsFatal() bool {
	return e.Kind == LineErrorRead
}

// IsFatalLineError returns true if the error is a fatal line error.
func IsFatalLineError(err error) bool {
	var lineErr *LineError
	if errors.As(err, &lineErr) {
		return lineErr.IsFatal()
	}
	return false
}

// LineDecoder splits a byte stream into non-empty lines.
// Bytes not yet terminated by a newline stay buffered until the newline
// arrives or the stream ends; at EOF the remainder is returned as a final
// line.
type LineDecoder struct {
	reader  *bufio.Reader
	maxSize int
}

// NewLineDecoder creates a decoder with MaxLineSize.
func NewLineDecoder(r io.Reader) *LineDecoder {
	return NewLineDecoderSize(r, MaxLineSize)
}

// NewLineDecoderSize creates a decoder with a custom line limit.
func NewLineDecoderSize(r io.Reader, maxSize int) *LineDecoder {
	return &LineDecoder{reader: bufio.NewReader(r), maxSize: maxSize}
}

// ReadLine returns the next non-blank line without its terminator.
//
// Errors:
//   - io.EOF: stream ended and nothing is buffered
//   - *LineError with Kind=LineErrorTooLarge: line skipped, keep reading
//   - *LineError with Kind=LineErrorRead: underlying read failed (fatal)
func (d *LineDecoder) ReadLine() ([]byte, error) {
	for {
		line, err := d.readRaw()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, io.EOF
		}
	}
}

// readRaw reads up to and including the next newline, enforcing maxSize.
func (d *LineDecoder) readRaw() ([]byte, error) {
	var buf []byte
	oversize := false
	for {
		chunk, err := d.reader.ReadSlice('\n')
		if !oversize {
			if len(buf)+len(chunk) > d.maxSize+1 {
				oversize = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if oversize {
				return nil, &LineError{
					Kind: LineErrorTooLarge,
					Msg:  fmt.Sprintf("line exceeds maximum %d bytes", d.maxSize),
				}
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if oversize {
				return nil, &LineError{
					Kind: LineErrorTooLarge,
					Msg:  fmt.Sprintf("line exceeds maximum %d bytes", d.maxSize),
				}
			}
			return buf, io.EOF
		default:
			return nil, &LineError{Kind: LineErrorRead, Msg: "failed to read worker output", Err: err}
		}
	}
}

// DecodeLine parses one line into an event.
func DecodeLine(line []byte) (types.Event, error) {
	var ev types.Event
	if err := ev.UnmarshalJSON(line); err != nil {
		return types.Event{}, &LineError{
			Kind: LineErrorDecode,
			Msg:  "failed to decode event line",
			Err:  err,
		}
	}
	return ev, nil
}
