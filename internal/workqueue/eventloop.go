package workqueue

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// DisposeStrategy governs how a Loop winds down its queued and in-flight
// work (spec.md 4.1).
type DisposeStrategy int

const (
	// Drain runs every already-queued unit to completion, then stops.
	Drain DisposeStrategy = iota
	// Wait cancels every queued-but-not-started unit with Disposed, but
	// waits for the in-flight unit (if any) to finish naturally.
	Wait
	// Cancel fails every queued-but-not-started unit with Disposed and
	// returns without waiting for the in-flight unit. The loop does not
	// cancel the in-flight unit; it stops early only if the ctx its caller
	// passed to Schedule is canceled.
	Cancel
)

// ErrDisposed is the failure kind surfaced by units that never got to run
// because the loop was disposed first.
var ErrDisposed = errors.New("workqueue: loop disposed")

// unit is the loop's internal representation of one scheduled call. It is
// deliberately not a WorkItem itself: a single Loop multiplexes calls with
// many different result types R, and Queue[T] (WorkQueue) is specifically a
// queue of Item[T] for one fixed T, so the loop keeps its own tiny
// unit-only FIFO below instead.
type unit struct {
	execute func()
	discard func()
}

// unitQueue is a minimal FIFO of *unit, used only by Loop. It mirrors
// Queue's Put/Take/Close shape without the WorkItem cancellation semantics,
// which units implement themselves via execute/discard.
type unitQueue struct {
	mu     sync.Mutex
	items  *list.List
	notify chan struct{}
	closed bool
}

func newUnitQueue() *unitQueue {
	return &unitQueue{items: list.New(), notify: make(chan struct{})}
}

func (q *unitQueue) put(u *unit) {
	q.mu.Lock()
	q.items.PushBack(u)
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
}

func (q *unitQueue) tryTake() (*unit, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.items.Front()
	if e == nil {
		return nil, false
	}
	q.items.Remove(e)
	return e.Value.(*unit), true
}

func (q *unitQueue) close() {
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

func (q *unitQueue) take(ctx context.Context) (*unit, error) {
	for {
		if u, ok := q.tryTake(); ok {
			return u, nil
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

// Loop is a single-consumer serial executor: at any instant at most one
// scheduled unit is running, and units run in the order they were scheduled.
type Loop struct {
	q *unitQueue

	disposed   int32
	loopDone   chan struct{}
	inFlight   chan struct{} // non-nil while a unit is executing; closed on completion
	inFlightMu sync.Mutex
}

// NewLoop starts a Loop and its single worker goroutine.
func NewLoop() *Loop {
	l := &Loop{
		q:        newUnitQueue(),
		loopDone: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) isDisposed() bool { return atomic.LoadInt32(&l.disposed) != 0 }

func (l *Loop) run() {
	defer close(l.loopDone)
	for {
		u, err := l.q.take(context.Background())
		if err != nil {
			return
		}
		l.inFlightMu.Lock()
		done := make(chan struct{})
		l.inFlight = done
		l.inFlightMu.Unlock()

		u.execute()

		close(done)
		l.inFlightMu.Lock()
		if l.inFlight == done {
			l.inFlight = nil
		}
		l.inFlightMu.Unlock()
	}
}

// Schedule enqueues fn and returns a promise for its result. If ctx is done
// before fn starts, the promise fails Canceled and fn never runs. Once
// started, cancellation is cooperative: fn receives ctx and is expected to
// check it.
func Schedule[R any](l *Loop, ctx context.Context, fn func(ctx context.Context) (R, error)) *Item[R] {
	if ctx == nil {
		ctx = context.Background()
	}
	out := NewItem[R](ctx)

	if l.isDisposed() {
		out.Fail(ErrDisposed)
		return out
	}

	u := &unit{
		execute: func() {
			select {
			case <-ctx.Done():
				out.Cancel()
				return
			default:
			}
			v, err := fn(ctx)
			switch {
			case err != nil && errors.Is(err, context.Canceled):
				out.Cancel()
			case err != nil:
				out.Fail(err)
			default:
				out.Succeed(v)
			}
		},
		discard: func() { out.Fail(ErrDisposed) },
	}
	l.q.put(u)
	return out
}

// Dispose winds the loop down per strategy. Drain blocks until the whole
// remaining queue has run to completion. Wait discards queued-but-unstarted
// units and blocks only for any currently in-flight one. Cancel discards the
// queue and returns immediately, leaving any in-flight unit to finish on its
// own time.
func (l *Loop) Dispose(strategy DisposeStrategy) {
	if !atomic.CompareAndSwapInt32(&l.disposed, 0, 1) {
		return
	}

	switch strategy {
	case Drain:
		l.q.close()
		<-l.loopDone

	case Wait:
		l.discardQueued()
		l.q.close()
		l.inFlightMu.Lock()
		inFlight := l.inFlight
		l.inFlightMu.Unlock()
		if inFlight != nil {
			<-inFlight
		}

	case Cancel:
		l.discardQueued()
		l.q.close()
	}
}

// discardQueued drains every not-yet-started unit out of the queue without
// running it, settling each one's promise as Disposed.
func (l *Loop) discardQueued() {
	for {
		u, ok := l.q.tryTake()
		if !ok {
			return
		}
		u.discard()
	}
}
