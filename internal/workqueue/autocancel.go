package workqueue

import "context"

// AutoCancelQueue wraps Queue with a per-item cancellation registration that
// atomically removes the node when the item's own context fires, failing it
// with Canceled (spec.md 4.3). Producers and consumers that pend work while
// a channel is re-opening must not leak items whose caller has since
// abandoned them.
type AutoCancelQueue[T any] struct {
	q *Queue[T]
}

// NewAutoCancelQueue wraps an existing Queue. Passing nil creates a fresh
// one.
func NewAutoCancelQueue[T any](q *Queue[T]) *AutoCancelQueue[T] {
	if q == nil {
		q = NewQueue[T]()
	}
	return &AutoCancelQueue[T]{q: q}
}

// Underlying exposes the wrapped Queue, e.g. to fold it into a
// CompositeQueue.
func (a *AutoCancelQueue[T]) Underlying() *Queue[T] { return a.q }

// Put enqueues item and arms its cancellation watch. If item's context is
// already done, Put cancels it immediately instead of enqueueing.
func (a *AutoCancelQueue[T]) Put(item *Item[T]) {
	if !a.arm(item) {
		return
	}
	n := a.q.Put(item)
	a.watch(n, item)
}

// arm cancels item outright if its context is already done, otherwise
// installs its auto-cancellation watch and reports whether it is still
// eligible to be enqueued.
func (a *AutoCancelQueue[T]) arm(item *Item[T]) bool {
	select {
	case <-item.Context().Done():
		item.Cancel()
		return false
	default:
	}
	return true
}

func (a *AutoCancelQueue[T]) watch(n *node[T], item *Item[T]) {
	go func() {
		select {
		case <-item.Context().Done():
			if a.q.remove(n) {
				item.Cancel()
			}
			// else: Take already won the race; nothing to do.
		case <-item.Taken():
			// Take claimed the item first; cancellation watch retires.
		}
	}()
}

// PutRetry re-queues a batch of items at the head of the queue, preserving
// the given order (items[0] ends up in front of items[1], etc.) and each
// item's original cancellation behavior. Used by ProducerCore to resend
// unconfirmed publishes on a fresh channel generation ahead of anything
// freshly published since (spec.md 4.7: "re-queued at the head").
func (a *AutoCancelQueue[T]) PutRetry(items []*Item[T]) {
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		if !a.arm(item) {
			continue
		}
		n := a.q.PutFront(item)
		a.watch(n, item)
	}
}

// Take delegates to the underlying queue; see Queue.Take.
func (a *AutoCancelQueue[T]) Take(ctx context.Context) (*Item[T], error) {
	return a.q.Take(ctx)
}
