// Package memory provides the in-process work queue shared by fetch workers.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// Queue is an unbounded FIFO of pending requests with context-aware pops.
// Popped items count as in flight until Done is called, so an empty queue
// with work still being processed is distinguishable from an idle one.
type Queue struct {
	mu       sync.Mutex
	items    []bundle.RequestMeta
	inflight int
	notify   chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends items in order.
func (q *Queue) Push(items ...bundle.RequestMeta) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, items...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue holds no items.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}

// InFlight reports how many popped items have not been marked Done.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// Done marks one popped item as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		q.inflight--
	}
}

// TryPop removes the head item without waiting. The caller must call Done
// once the item is processed.
func (q *Queue) TryPop() (bundle.RequestMeta, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return bundle.RequestMeta{}, false
	}
	q.inflight++
	item := q.items[0]
	q.items[0] = bundle.RequestMeta{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return item, true
}

// Pop removes the head item, waiting up to wait for one to arrive. It returns
// false when the wait elapses with the queue still empty, and an error when
// ctx ends first.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (bundle.RequestMeta, bool, error) {
	if item, ok := q.TryPop(); ok {
		return item, true, nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return bundle.RequestMeta{}, false, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-timer.C:
			item, ok := q.TryPop()
			return item, ok, nil
		case <-q.notify:
			if item, ok := q.TryPop(); ok {
				q.wakeNext()
				return item, true, nil
			}
		}
	}
}

// wakeNext passes the notification on when items remain, so a burst push
// releases more than one waiter.
func (q *Queue) wakeNext() {
	if q.Empty() {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
