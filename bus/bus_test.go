package bus

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pithecene-io/namazing/log"
	"github.com/pithecene-io/namazing/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func activity(runID, msg string) types.Event {
	return types.NewEvent(runID, "researcher", types.Activity{Message: msg})
}

func TestSubscribe_NoRun(t *testing.T) {
	b := New(nil)

	unsub, err := b.Subscribe("missing", func(types.Event) {})
	require.ErrorIs(t, err, ErrNoRun)
	assert.Nil(t, unsub)
}

func TestPublish_OrderAndRegistrationOrder(t *testing.T) {
	b := New(nil)
	b.Open("r1")

	var got []string
	for _, name := range []string{"a", "b", "c"} {
		_, err := b.Subscribe("r1", func(ev types.Event) {
			got = append(got, name+":"+ev.Payload.(types.Activity).Message)
		})
		require.NoError(t, err)
	}

	b.Publish("r1", activity("r1", "1"))
	b.Publish("r1", activity("r1", "2"))

	assert.Equal(t, []string{"a:1", "b:1", "c:1", "a:2", "b:2", "c:2"}, got)
}

func TestPublish_IsolatesRuns(t *testing.T) {
	b := New(nil)
	b.Open("r1")
	b.Open("r2")

	var r1, r2 int
	_, err := b.Subscribe("r1", func(types.Event) { r1++ })
	require.NoError(t, err)
	_, err = b.Subscribe("r2", func(types.Event) { r2++ })
	require.NoError(t, err)

	b.Publish("r1", activity("r1", "x"))

	assert.Equal(t, 1, r1)
	assert.Equal(t, 0, r2)
}

func TestUnsubscribe_RemovesOnlyThatListener(t *testing.T) {
	b := New(nil)
	b.Open("r1")

	var calls []string
	unsubA, err := b.Subscribe("r1", func(types.Event) { calls = append(calls, "a") })
	require.NoError(t, err)
	_, err = b.Subscribe("r1", func(types.Event) { calls = append(calls, "b") })
	require.NoError(t, err)

	unsubA()
	unsubA()
	assert.Equal(t, 1, b.Subscribers("r1"))

	b.Publish("r1", activity("r1", "x"))
	assert.Equal(t, []string{"b"}, calls)
}

func TestPublish_PanickingListenerIsolated(t *testing.T) {
	var buf bytes.Buffer
	b := New(log.NewWithWriter(&buf))
	b.Open("r1")

	var after int
	_, err := b.Subscribe("r1", func(types.Event) { panic("listener bug") })
	require.NoError(t, err)
	_, err = b.Subscribe("r1", func(types.Event) { after++ })
	require.NoError(t, err)

	delivered := b.Publish("r1", activity("r1", "x"))

	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, after)
	assert.True(t, strings.Contains(buf.String(), "listener panicked"))
}

func TestClose_DropsListeners(t *testing.T) {
	b := New(nil)
	b.Open("r1")

	var calls int
	unsub, err := b.Subscribe("r1", func(types.Event) { calls++ })
	require.NoError(t, err)

	b.Close("r1")
	assert.Equal(t, 0, b.Publish("r1", activity("r1", "x")))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, b.Topics())

	// Unsubscribing after close is harmless.
	unsub()

	_, err = b.Subscribe("r1", func(types.Event) {})
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestOpen_Idempotent(t *testing.T) {
	b := New(nil)
	b.Open("r1")
	_, err := b.Subscribe("r1", func(types.Event) {})
	require.NoError(t, err)

	b.Open("r1")
	assert.Equal(t, 1, b.Subscribers("r1"))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(nil)
	b.Open("r1")

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub, err := b.Subscribe("r1", func(types.Event) {
				mu.Lock()
				total++
				mu.Unlock()
			})
			if err != nil {
				t.Error(err)
				return
			}
			b.Publish("r1", activity("r1", "x"))
			unsub()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, b.Subscribers("r1"))
	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, total)
}
