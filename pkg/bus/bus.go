// Package bus implements the in-process publish/subscribe event router:
// wildcard pattern matching, bounded history, and fan-out over a plain
// callback interface (no channels). Emit runs each matched handler in its
// own goroutine and returns once all of them have finished, so a slow
// subscriber delays the publisher.
package bus

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Handler observes a single Event. A returned error is isolated to this
// handler and never aborts delivery to the remaining subscribers.
type Handler func(Event) error

// Disposer detaches the subscription it was returned from.
type Disposer func()

const defaultHistoryCap = 100

type subscription struct {
	id      uint64
	pattern string
	handler Handler
	once    bool
}

// Bus is an in-process event router. The zero value is not usable; build
// one with New.
type Bus struct {
	mu         sync.Mutex
	subs       []*subscription
	nextID     uint64
	history    []Event
	historyCap int

	// OnHandlerError is invoked (outside the bus's lock) whenever a
	// subscriber handler returns an error. It defaults to logging to
	// stderr; set it to nil to silence, or replace it to route faults
	// elsewhere (e.g. into the engine's onError hook dispatch).
	OnHandlerError func(ev Event, pattern string, err error)
}

// New creates a Bus with the given bounded history capacity. A
// non-positive cap uses the default of 100.
func New(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = defaultHistoryCap
	}
	return &Bus{
		historyCap: historyCap,
		OnHandlerError: func(ev Event, pattern string, err error) {
			fmt.Fprintf(os.Stderr, "bus: handler for %q (pattern %q) failed: %v\n", ev.Name, pattern, err)
		},
	}
}

// On registers a persistent subscription against pattern and returns a
// Disposer that detaches it.
func (b *Bus) On(pattern string, handler Handler) Disposer {
	return b.subscribe(pattern, handler, false)
}

// Once registers a subscription that fires at most once, then
// auto-detaches.
func (b *Bus) Once(pattern string, handler Handler) Disposer {
	return b.subscribe(pattern, handler, true)
}

func (b *Bus) subscribe(pattern string, handler Handler, once bool) Disposer {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, handler: handler, once: once}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() { b.removeByID(sub.id) }
}

// Off removes the first persistent (non-once) subscription registered on
// pattern. handler is not compared: when several persistent subscriptions
// share pattern, the earliest one is removed whichever handler is passed.
// The Disposer returned by On/Once removes exactly its own subscription.
func (b *Bus) Off(pattern string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.pattern == pattern && !sub.once {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
	_ = handler // identity comparison of funcs is not supported in Go
}

func (b *Bus) removeByID(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit publishes name/data, appends it to history, and invokes every
// matching handler, started in registration order and run concurrently.
// Emit returns once all matched handlers have returned; handler errors are
// isolated and reported via OnHandlerError rather than returned here.
func (b *Bus) Emit(name string, data any) {
	ev := NewEvent(name, data)

	b.mu.Lock()
	b.history = append(b.history, ev)
	if over := len(b.history) - b.historyCap; over > 0 {
		b.history = b.history[over:]
	}

	var matched []*subscription
	remaining := b.subs[:0:0]
	for _, sub := range b.subs {
		if match(ev.Name, sub.pattern) {
			matched = append(matched, sub)
			if sub.once {
				continue // atomically removed from the table below
			}
		}
		remaining = append(remaining, sub)
	}
	b.subs = remaining
	onErr := b.OnHandlerError
	b.mu.Unlock()

	if len(matched) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(matched))
	for _, sub := range matched {
		sub := sub
		go func() {
			defer wg.Done()
			if err := sub.handler(ev); err != nil && onErr != nil {
				onErr(ev, sub.pattern, err)
			}
		}()
	}
	wg.Wait()
}

// WaitFor blocks until the next event matching pattern is emitted, or
// returns an error once timeout elapses.
func (b *Bus) WaitFor(ctx context.Context, pattern string, timeout time.Duration) (Event, error) {
	ch := make(chan Event, 1)
	dispose := b.Once(pattern, func(ev Event) error {
		ch <- ev
		return nil
	})
	defer dispose()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("bus: timed out after %s waiting for %q", timeout, pattern)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// History returns a snapshot of the bounded history, newest last,
// optionally filtered by pattern.
func (b *Bus) History(pattern string) []Event {
	b.mu.Lock()
	snapshot := make([]Event, len(b.history))
	copy(snapshot, b.history)
	b.mu.Unlock()

	if pattern == "" {
		return snapshot
	}
	filtered := make([]Event, 0, len(snapshot))
	for _, ev := range snapshot {
		if match(ev.Name, pattern) {
			filtered = append(filtered, ev)
		}
	}
	return filtered
}

// Match reports whether name satisfies pattern under the bus's wildcard
// rule. Exported so other components (the trigger registry's event-kind
// matching) apply the identical rule without duplicating it.
func Match(name, pattern string) bool {
	return match(name, pattern)
}

// match reports whether name satisfies pattern, treating '*' in pattern as
// matching any run of characters (including ':') and escaping every other
// regex-special character so patterns are plain wildcards, not regexes.
func match(name, pattern string) bool {
	if pattern == name {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	re, err := compileWildcard(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

var wildcardCache sync.Map // pattern string -> *regexp.Regexp

func compileWildcard(pattern string) (*regexp.Regexp, error) {
	if cached, ok := wildcardCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, err
	}
	wildcardCache.Store(pattern, re)
	return re, nil
}
