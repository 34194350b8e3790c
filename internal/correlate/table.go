// Package correlate implements the request/response correlation table: the
// map that lets a component publish a request envelope onto the bus and
// later wait for the one envelope whose InResponseTo matches it.
package correlate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimeoutError reports that a tracked request's target never answered
// within the deadline.
type TimeoutError struct {
	ID      string
	Target  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Agent %s did not respond within %d ms", e.Target, e.Timeout.Milliseconds())
}

// entry is a single pending request. delivery is a one-shot, buffered
// channel: Deliver, Reject and Sweep all send on it without blocking, so
// only the first value sent is kept. Sweep also removes entries whose
// deadline has passed.
type entry struct {
	delivery chan any
	target   string
	deadline time.Time
}

// Table tracks outstanding requests by ID. It is safe for concurrent use —
// Track/Deliver/Reject are called from different goroutines (the caller
// awaiting a reply, the bus dispatch goroutine delivering one).
type Table struct {
	mu      sync.Mutex
	pending map[string]*entry
}

// New returns an empty correlation table.
func New() *Table {
	return &Table{pending: make(map[string]*entry)}
}

// Track registers id as awaiting a response from target and returns a
// function that blocks until a value is delivered for id, the deadline
// passes, or ctx is canceled. Track must be called before the request
// envelope is published, or a fast response can race the registration and
// be dropped. Call the returned function exactly once.
func (t *Table) Track(id, target string, timeout time.Duration) func(ctx context.Context) (any, error) {
	e := &entry{
		delivery: make(chan any, 1),
		target:   target,
		deadline: time.Now().Add(timeout),
	}

	t.mu.Lock()
	t.pending[id] = e
	t.mu.Unlock()

	return func(ctx context.Context) (any, error) {
		defer t.remove(id)
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case v := <-e.delivery:
			if err, ok := v.(error); ok {
				return nil, err
			}
			return v, nil
		case <-timer.C:
			return nil, &TimeoutError{ID: id, Target: target, Timeout: timeout}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Deliver hands value to the goroutine waiting on id, if any. Returns false
// if no such pending request exists (already delivered, rejected, or swept)
// — late responses are logged and dropped, never redelivered.
func (t *Table) Deliver(id string, value any) bool {
	t.mu.Lock()
	e, ok := t.pending[id]
	t.mu.Unlock()
	if !ok {
		slog.Debug("correlate: dropping response for unknown request", "id", id)
		return false
	}
	select {
	case e.delivery <- value:
		return true
	default:
		slog.Debug("correlate: dropping duplicate response", "id", id)
		return false
	}
}

// Reject delivers err as the result of the pending request id.
func (t *Table) Reject(id string, err error) bool {
	return t.Deliver(id, err)
}

func (t *Table) remove(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

// Sweep removes and rejects entries whose deadline has already passed.
// Callers normally don't need it — Track's own timer handles expiry — but
// it bounds memory for requests whose waiter goroutine was abandoned
// (e.g. the calling request's own context was canceled before the timer
// fired). Returns the number of entries reclaimed.
func (t *Table) Sweep() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	swept := 0
	for id, e := range t.pending {
		if now.After(e.deadline) {
			select {
			case e.delivery <- &TimeoutError{ID: id, Target: e.target, Timeout: 0}:
			default:
			}
			delete(t.pending, id)
			swept++
		}
	}
	return swept
}

// Len reports the number of currently pending requests. Exposed for health
// reporting and tests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
