package server

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueShutdown is returned by Next once the queue is shut down and drained.
var ErrQueueShutdown = errors.New("server: completion queue shut down")

// Tag correlates an asynchronous operation with the party that started it.
type Tag uint64

// Event reports that the operation registered under Tag completed. OK is false when
// the operation was cancelled or failed (a registration cancelled by shutdown, a reply
// that could not be written).
type Event struct {
	Tag Tag
	OK  bool
}

// CompletionQueue delivers completion events to a dispatch loop. Any goroutine may
// post; Next is meant for a single consumer.
type CompletionQueue struct {
	mu       sync.Mutex
	events   []Event
	shutdown bool
	wake     chan struct{}
}

func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{wake: make(chan struct{}, 1)}
}

// post appends ev. It reports false, dropping ev, once the queue is shut down.
func (q *CompletionQueue) post(ev Event) bool {
	q.mu.Lock()
	if q.shutdown {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
	return true
}

func (q *CompletionQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available and returns it in posting order. After
// Shutdown it keeps returning queued events, then ErrQueueShutdown. It returns
// ctx.Err() if ctx ends while waiting.
func (q *CompletionQueue) Next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			ev := q.events[0]
			q.events = q.events[1:]
			more := len(q.events) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return ev, nil
		}
		if q.shutdown {
			q.mu.Unlock()
			return Event{}, ErrQueueShutdown
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Shutdown stops the queue from accepting events. Events already queued are still
// delivered by Next.
func (q *CompletionQueue) Shutdown() {
	q.mu.Lock()
	q.shutdown = true
	q.mu.Unlock()
	q.signal()
}

// Len returns the number of undelivered events.
func (q *CompletionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
