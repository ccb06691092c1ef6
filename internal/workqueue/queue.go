package workqueue

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Take once a closed queue has been fully drained.
var ErrClosed = errors.New("workqueue: queue closed")

// node wraps an *Item[T] inside the backing list so Remove can be called
// safely even after the element has already been popped by Take.
type node[T any] struct {
	item    *Item[T]
	elem    *list.Element
	removed bool
}

// Queue is an unbounded FIFO of cancelable Items. Take skips (and discards)
// items that were already canceled before being reached, per spec.md 4.2.
type Queue[T any] struct {
	mu     sync.Mutex
	items  *list.List
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	return &Queue[T]{items: list.New(), notify: make(chan struct{})}
}

// Close marks the queue as closed: once drained, Take returns ErrClosed
// instead of blocking for more items. Items already queued are still
// delivered normally first.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

// Put appends item to the tail of the queue and returns the queue-private
// handle needed to remove it again (used by AutoCancelQueue).
func (q *Queue[T]) Put(item *Item[T]) *node[T] {
	q.mu.Lock()
	n := &node[T]{item: item}
	n.elem = q.items.PushBack(n)
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
	return n
}

// PutFront inserts item at the head of the queue, ahead of everything
// already waiting, and returns its handle. Used for retries (spec.md 4.7:
// "re-queued at the head") so resent publishes overtake fresh ones.
func (q *Queue[T]) PutFront(item *Item[T]) *node[T] {
	q.mu.Lock()
	n := &node[T]{item: item}
	n.elem = q.items.PushFront(n)
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
	return n
}

// remove withdraws n from the queue if it is still present. Returns true if
// it actually removed something.
func (q *Queue[T]) remove(n *node[T]) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.removed {
		return false
	}
	n.removed = true
	q.items.Remove(n.elem)
	return true
}

// waitChan returns the channel that is closed the next time Put is called.
func (q *Queue[T]) waitChan() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.notify
}

// tryTake pops the first non-canceled item without blocking. The second
// return is false if the queue has nothing ready right now.
func (q *Queue[T]) tryTake() (*Item[T], bool) {
	q.mu.Lock()
	for {
		e := q.items.Front()
		if e == nil {
			q.mu.Unlock()
			return nil, false
		}
		n := e.Value.(*node[T])
		q.items.Remove(e)
		n.removed = true
		if n.item.State() == Canceled {
			continue
		}
		n.item.markTaken()
		q.mu.Unlock()
		return n.item, true
	}
}

// Take blocks until an item is available or ctx is done. Canceled items
// encountered along the way are silently skipped.
func (q *Queue[T]) Take(ctx context.Context) (*Item[T], error) {
	for {
		if it, ok := q.tryTake(); ok {
			return it, nil
		}
		q.mu.Lock()
		closed := q.closed
		wait := q.notify
		q.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of items currently queued (including any that have
// since been canceled but not yet skipped by Take).
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}
