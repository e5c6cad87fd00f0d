package runtime

import (
	"errors"
	"fmt"
	"io"

	"github.com/pithecene-io/namazing/ipc"
	"github.com/pithecene-io/namazing/log"
)

// StreamError is returned by ingest when worker stdout could not be read
// to the end.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("worker output stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ingest reads r to EOF, pushing one message per non-blank line:
// lineMessage for decoded events and malformedMessage for everything
// else. Oversized and undecodable lines are skipped; a read failure stops
// ingestion.
func ingest(r io.Reader, out chan<- message, logger *log.Logger) error {
	decoder := ipc.NewLineDecoder(r)
	lines := 0
	for {
		line, err := decoder.ReadLine()
		if errors.Is(err, io.EOF) {
			logger.Debug("worker stdout closed", map[string]any{"lines": lines})
			return nil
		}
		if err != nil {
			if ipc.IsFatalLineError(err) {
				return &StreamError{Err: err}
			}
			out <- malformedMessage{err: err}
			continue
		}

		lines++
		ev, err := ipc.DecodeLine(line)
		if err != nil {
			out <- malformedMessage{line: line, err: err}
			continue
		}
		out <- lineMessage{event: ev}
	}
}
