// Package bus fans run events out to in-process listeners.
//
// Each live run has a topic. Publish delivers synchronously, in
// registration order, on the caller's goroutine. A listener that panics is
// logged and skipped; it does not stop delivery to the listeners after it.
package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/types"
)

// ErrNoRun is returned by Subscribe when no topic is open for the run.
var ErrNoRun = errors.New("no live run")

// Listener receives events for one run. Listeners must be fast and must
// not call back into the bus for the same run.
type Listener func(types.Event)

type subscription struct {
	id uint64
	fn Listener
}

type topic struct {
	subs []subscription
}

// Bus is a per-run publish/subscribe hub. The zero value is not usable;
// call New.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	nextID uint64
	logger *log.Logger
}

// New creates an empty bus.
func New(logger *log.Logger) *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		logger: log.OrNop(logger).Named("bus"),
	}
}

// Open creates the topic for runID. Opening an open topic is a no-op.
func (b *Bus) Open(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[runID]; !ok {
		b.topics[runID] = &topic{}
	}
}

// Close drops the topic for runID together with its listeners.
func (b *Bus) Close(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics, runID)
}

// Subscribe registers fn for runID. The returned function removes exactly
// this registration; calling it more than once is safe.
func (b *Bus) Subscribe(runID string, fn Listener) (func(), error) {
	if fn == nil {
		return nil, errors.New("nil listener")
	}

	b.mu.Lock()
	t, ok := b.topics[runID]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", runID, ErrNoRun)
	}
	b.nextID++
	id := b.nextID
	t.subs = append(t.subs, subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(runID, id) })
	}, nil
}

func (b *Bus) remove(runID string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		return
	}
	for i, s := range t.subs {
		if s.id == id {
			// Copy so a concurrent Publish holding the old slice is unaffected.
			next := make([]subscription, 0, len(t.subs)-1)
			next = append(next, t.subs[:i]...)
			next = append(next, t.subs[i+1:]...)
			t.subs = next
			return
		}
	}
}

// Publish delivers ev to every listener registered for runID at the time
// of the call. It returns the number of listeners that returned normally.
// Publishing to a run without a topic delivers nothing.
func (b *Bus) Publish(runID string, ev types.Event) int {
	b.mu.RLock()
	t, ok := b.topics[runID]
	var subs []subscription
	if ok {
		subs = t.subs
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if b.deliver(runID, s, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) deliver(runID string, s subscription, ev types.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("listener panicked", map[string]any{
				"run_id":     runID,
				"listener":   s.id,
				"event_type": string(ev.Type()),
				"panic":      fmt.Sprint(r),
			})
			ok = false
		}
	}()
	s.fn(ev)
	return true
}

// Subscribers returns the number of listeners registered for runID.
func (b *Bus) Subscribers(runID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if t, ok := b.topics[runID]; ok {
		return len(t.subs)
	}
	return 0
}

// Topics returns the number of open topics.
func (b *Bus) Topics() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics)
}
