package runtime

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pithecene-io/namazing/bus"
	"github.com/pithecene-io/namazing/types"
)

func registryRun(id string, created time.Time) *LiveRun {
	return newLiveRun(types.Run{ID: id, Mode: types.ModeSerial, CreatedAt: created}, bus.New(nil), nil, nil, nil)
}

func TestRegistry_PutGet(t *testing.T) {
	r := NewRegistry()
	lr := registryRun("a", fixedTime)

	if err := r.Put(lr); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, ok := r.Get("a")
	if !ok || got != lr {
		t.Fatalf("Get(a) = %v, %v", got, ok)
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("Get(missing) found a run")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistry_PutDuplicate(t *testing.T) {
	r := NewRegistry()
	first := registryRun("a", fixedTime)
	if err := r.Put(first); err != nil {
		t.Fatal(err)
	}

	err := r.Put(registryRun("a", fixedTime))
	if !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
	if got, _ := r.Get("a"); got != first {
		t.Error("duplicate Put replaced the original run")
	}
}

func TestRegistry_ListOrdered(t *testing.T) {
	r := NewRegistry()
	for i, id := range []string{"c", "a", "b"} {
		if err := r.Put(registryRun(id, fixedTime.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Put(registryRun("0", fixedTime)); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, lr := range r.List() {
		ids = append(ids, lr.ID())
	}
	want := []string{"0", "c", "a", "b"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("List = %v, want %v", ids, want)
	}
}

func TestRegistry_Concurrent(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("run-%d", i)
			if err := r.Put(registryRun(id, fixedTime)); err != nil {
				t.Error(err)
			}
			if _, ok := r.Get(id); !ok {
				t.Errorf("Get(%s) missing after Put", id)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Len = %d, want 50", r.Len())
	}
}
