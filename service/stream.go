package service

import (
	"context"
	"sync"

	"github.com/pithecene-io/namazing/runtime"
	"github.com/pithecene-io/namazing/types"
)

// Stream delivers a run's events: Replay first, then live events via Next.
type Stream struct {
	// RunID is the streamed run.
	RunID string
	// Replay holds the events emitted before the stream opened.
	Replay []types.Event
	// Live is true while Next may still yield events.
	Live bool

	queue       *eventQueue
	done        <-chan struct{}
	unsubscribe func()
	status      func() types.RunStatus
	closeOnce   sync.Once
}

func openLive(lr *runtime.LiveRun) (*Stream, error) {
	q := newEventQueue()
	replay, unsubscribe, terminal, err := lr.Subscribe(q.push)
	if err != nil {
		return nil, err
	}
	return &Stream{
		RunID:       lr.ID(),
		Replay:      replay,
		Live:        !terminal,
		queue:       q,
		done:        lr.Done(),
		unsubscribe: unsubscribe,
		status:      lr.Status,
	}, nil
}

func replayOnly(run *types.Run) *Stream {
	status := run.Status
	return &Stream{
		RunID:       run.ID,
		Replay:      run.Events,
		queue:       newEventQueue(),
		unsubscribe: func() {},
		status:      func() types.RunStatus { return status },
	}
}

// Next blocks for the next live event. It returns false once the run is
// terminal and every event has been delivered, or when ctx ends (with
// ctx's error).
func (s *Stream) Next(ctx context.Context) (types.Event, bool, error) {
	for {
		if ev, ok := s.queue.pop(); ok {
			return ev, true, nil
		}
		if !s.Live {
			return types.Event{}, false, nil
		}
		select {
		case <-s.queue.signal:
		case <-s.done:
			// Every event precedes the terminal transition.
			if ev, ok := s.queue.pop(); ok {
				return ev, true, nil
			}
			return types.Event{}, false, nil
		case <-ctx.Done():
			return types.Event{}, false, ctx.Err()
		}
	}
}

// Status returns the run's current status.
func (s *Stream) Status() types.RunStatus {
	return s.status()
}

// Close stops live delivery. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(s.unsubscribe)
}

// eventQueue is an unbounded FIFO. push never blocks, since it runs
// inside the publisher's critical section.
type eventQueue struct {
	mu     sync.Mutex
	items  []types.Event
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev types.Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() (types.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return types.Event{}, false
	}
	ev := q.items[0]
	q.items[0] = types.Event{}
	q.items = q.items[1:]
	return ev, true
}
