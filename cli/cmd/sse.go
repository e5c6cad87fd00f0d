package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pithecene-io/namazing/cli/tui"
	"github.com/pithecene-io/namazing/types"
)

// maxFrameBytes bounds one SSE line; results can be large.
const maxFrameBytes = 4 << 20

// errStreamCut is returned when the server closed the stream without an
// end frame.
var errStreamCut = errors.New("event stream ended before the run finished")

// sseFrame is one dispatched SSE message.
type sseFrame struct {
	Event string
	Data  string
}

// followRun reads /events/:runId from baseURL and hands each event, then
// the end frame, to fn.
func followRun(ctx context.Context, client *http.Client, baseURL, runID string, fn func(tui.Update)) error {
	endpoint, err := url.JoinPath(baseURL, "events", url.PathEscape(runID))
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", baseURL, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	ended := false
	err = parseSSE(resp.Body, func(f sseFrame) error {
		if f.Event == "end" {
			var end struct {
				Status types.RunStatus `json:"status"`
			}
			if err := json.Unmarshal([]byte(f.Data), &end); err != nil {
				return fmt.Errorf("decode end frame: %w", err)
			}
			ended = true
			fn(tui.Update{End: true, Status: end.Status})
			return nil
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(f.Data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(tui.Update{Event: ev})
		return nil
	})
	if err != nil {
		return err
	}
	if !ended {
		return errStreamCut
	}
	return nil
}

// parseSSE splits an SSE body into frames. Comment lines (heartbeats) and
// unknown fields are skipped.
func parseSSE(r io.Reader, handle func(sseFrame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)

	var frame sseFrame
	var data []string
	dispatch := func() error {
		if frame.Event == "" && len(data) == 0 {
			return nil
		}
		frame.Data = strings.Join(data, "\n")
		err := handle(frame)
		frame, data = sseFrame{}, nil
		return err
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}
