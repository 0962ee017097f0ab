package fanout

import (
	"context"
	"sync"
)

// EventKind classifies a queued event.
type EventKind string

const (
	// KindData is stdout (stream code 0).
	KindData EventKind = "data"
	// KindExtended is extended data, stderr for stream code 1.
	KindExtended EventKind = "extended"
	KindExit     EventKind = "exit"
	KindSignal   EventKind = "signal"
	// KindError reports a connection that died after it had connected.
	KindError EventKind = "error"
	KindStart EventKind = "start"
	KindDead  EventKind = "dead"
	KindDone  EventKind = "done"
)

// Event is one entry in a session's queue. Host is empty for session-level
// events: the "dead" list at the start of a run and the final "done".
type Event struct {
	Host   string    `json:"host,omitempty"`
	Kind   EventKind `json:"kind"`
	Data   []byte    `json:"data,omitempty"`
	Stream uint32    `json:"stream,omitempty"`
	Code   *int      `json:"code,omitempty"`
	Signal string    `json:"signal,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Hosts  []string  `json:"hosts,omitempty"`
}

// Queue is an unbounded FIFO of events, safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{})}
}

// Push appends e and wakes every waiter.
func (q *Queue) Push(e Event) {
	q.mu.Lock()
	q.items = append(q.items, e)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// TryPop removes the oldest event if there is one.
func (q *Queue) TryPop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	e := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return e, true
}

// Pop blocks until an event is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	for {
		if e, ok := q.TryPop(); ok {
			return e, nil
		}
		if err := q.Wait(ctx); err != nil {
			return Event{}, err
		}
	}
}

// Wait blocks until the queue is non-empty or ctx is done.
func (q *Queue) Wait(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.notify
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain removes and returns up to max events (all of them when max <= 0).
func (q *Queue) Drain(max int) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	out := make([]Event, n)
	copy(out, q.items[:n])
	rest := make([]Event, len(q.items)-n)
	copy(rest, q.items[n:])
	q.items = rest
	return out
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
