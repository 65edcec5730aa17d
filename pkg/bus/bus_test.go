package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnAndEmit(t *testing.T) {
	b := New(10)
	var got Event
	var mu sync.Mutex

	b.On("autonomy:cycle:start", func(ev Event) error {
		mu.Lock()
		got = ev
		mu.Unlock()
		return nil
	})

	b.Emit("autonomy:cycle:start", map[string]string{"kind": "Daily"})

	mu.Lock()
	defer mu.Unlock()
	if got.Name != "autonomy:cycle:start" {
		t.Fatalf("got.Name = %q", got.Name)
	}
}

func TestWildcardMatching(t *testing.T) {
	tests := []struct {
		name, pattern string
		want          bool
	}{
		{"foo:x:bar", "foo:*:bar", true},
		{"foo:x:y:bar", "foo:*:bar", true},
		{"foo:bar", "foo:*:bar", false},
		{"anything:at:all", "*", true},
		{"exact", "exact", true},
		{"exact", "other", false},
	}
	for _, tt := range tests {
		if got := match(tt.name, tt.pattern); got != tt.want {
			t.Errorf("match(%q, %q) = %v, want %v", tt.name, tt.pattern, got, tt.want)
		}
	}
}

func TestOnceFiresAtMostOnce(t *testing.T) {
	b := New(10)
	var calls int32
	b.Once("trigger:fire", func(Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	b.Emit("trigger:fire", nil)
	b.Emit("trigger:fire", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDisposerDetaches(t *testing.T) {
	b := New(10)
	var calls int32
	dispose := b.On("plugin:load", func(Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	b.Emit("plugin:load", nil)
	dispose()
	b.Emit("plugin:load", nil)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestHandlerFailureIsolated(t *testing.T) {
	b := New(10)
	var failingCalled, okCalled bool
	var mu sync.Mutex
	b.OnHandlerError = func(Event, string, error) {}

	b.On("x", func(Event) error {
		mu.Lock()
		failingCalled = true
		mu.Unlock()
		return context.DeadlineExceeded
	})
	b.On("x", func(Event) error {
		mu.Lock()
		okCalled = true
		mu.Unlock()
		return nil
	})

	b.Emit("x", nil)

	mu.Lock()
	defer mu.Unlock()
	if !failingCalled || !okCalled {
		t.Fatalf("failingCalled=%v okCalled=%v, want both true", failingCalled, okCalled)
	}
}

func TestHistoryBoundedAndFiltered(t *testing.T) {
	b := New(3)
	for i := 0; i < 5; i++ {
		b.Emit("autonomy:task:start", i)
	}
	b.Emit("autonomy:cycle:end", nil)

	all := b.History("")
	if len(all) != 3 {
		t.Fatalf("len(history) = %d, want 3 (capped)", len(all))
	}

	filtered := b.History("autonomy:task:*")
	for _, ev := range filtered {
		if ev.Name != "autonomy:task:start" {
			t.Errorf("unexpected event in filtered history: %s", ev.Name)
		}
	}
}

func TestWaitForSucceeds(t *testing.T) {
	b := New(10)
	go func() {
		time.Sleep(5 * time.Millisecond)
		b.Emit("autonomy:cycle:end", "done")
	}()

	ev, err := b.WaitFor(context.Background(), "autonomy:cycle:end", time.Second)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if ev.Data != "done" {
		t.Errorf("ev.Data = %v, want done", ev.Data)
	}
}

func TestWaitForTimesOut(t *testing.T) {
	b := New(10)
	_, err := b.WaitFor(context.Background(), "never:happens", 10*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestEmitConcurrentHandlersAllComplete(t *testing.T) {
	b := New(10)
	const n = 20
	var count int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		b.On("fanout", func(Event) error {
			defer wg.Done()
			atomic.AddInt32(&count, 1)
			return nil
		})
	}

	b.Emit("fanout", nil)
	wg.Wait()

	if count != n {
		t.Fatalf("count = %d, want %d", count, n)
	}
}
