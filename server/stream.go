package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pithecene-io/namazing/service"
	"github.com/pithecene-io/namazing/types"
)

const wsWriteTimeout = 10 * time.Second

// endFrame closes every stream the server ends itself.
type endFrame struct {
	T      string          `json:"t,omitempty"`
	Status types.RunStatus `json:"status"`
}

// follow delivers a stream's replay and live events to emit, calling
// beat after every idle heartbeat interval. It returns nil when the run
// is over, or the first emit/beat error. ctx ending also returns nil.
func follow(ctx context.Context, stream *service.Stream, heartbeat time.Duration,
	emit func(types.Event) error, beat func() error,
) error {
	for _, ev := range stream.Replay {
		if err := emit(ev); err != nil {
			return err
		}
	}
	if !stream.Live {
		return nil
	}

	for {
		nextCtx, cancel := context.WithTimeout(ctx, heartbeat)
		ev, ok, err := stream.Next(nextCtx)
		cancel()

		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			if err := beat(); err != nil {
				return err
			}
		case !ok:
			return nil
		default:
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
}

// StreamEvents streams run events via SSE. Each frame carries one event;
// the stream closes with an "end" event once the run is over.
// GET /events/:runId
func (s *Server) StreamEvents(c echo.Context) error {
	ctx := c.Request().Context()
	stream, err := s.svc.Stream(ctx, c.Param("runId"))
	if err != nil {
		return s.lookupError(c, err)
	}
	defer stream.Close()
	s.collector.IncStreamsOpened()

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	emit := func(ev types.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("dropping unencodable event", map[string]any{"run_id": stream.RunID, "error": err.Error()})
			return nil
		}
		return writeSSE(w, "", data)
	}
	beat := func() error {
		if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if err := follow(ctx, stream, s.config.Heartbeat, emit, beat); err != nil {
		// Client went away mid-write.
		return nil
	}
	if ctx.Err() != nil {
		return nil
	}

	end, _ := json.Marshal(endFrame{Status: stream.Status()})
	_ = writeSSE(w, "end", end)
	return nil
}

// writeSSE writes one frame and flushes it.
func writeSSE(w *echo.Response, event string, data []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// StreamWebSocket streams run events over a WebSocket, one JSON text
// message per event, then {"t":"end","status":...}.
// GET /ws/:runId
func (s *Server) StreamWebSocket(c echo.Context) error {
	stream, err := s.svc.Stream(c.Request().Context(), c.Param("runId"))
	if err != nil {
		return s.lookupError(c, err)
	}
	defer stream.Close()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("websocket upgrade failed", map[string]any{"error": err.Error()})
		return nil
	}
	defer func() { _ = conn.Close() }()
	s.collector.IncStreamsOpened()

	// The read loop only notices the peer closing.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	write := func(messageType int, data []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(messageType, data)
	}
	emit := func(ev types.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil
		}
		return write(websocket.TextMessage, data)
	}
	beat := func() error {
		return write(websocket.PingMessage, nil)
	}

	if err := follow(ctx, stream, s.config.Heartbeat, emit, beat); err != nil || ctx.Err() != nil {
		return nil
	}

	end, _ := json.Marshal(endFrame{T: "end", Status: stream.Status()})
	if err := write(websocket.TextMessage, end); err != nil {
		return nil
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished")
	if err := write(websocket.CloseMessage, closeMsg); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("websocket close failed", map[string]any{"error": err.Error()})
	}
	return nil
}
