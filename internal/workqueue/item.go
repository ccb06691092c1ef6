// Package workqueue implements the cooperative, cancelable work primitives
// the rest of amqplink is built on: a serial EventLoop, a FIFO WorkQueue of
// cancelable promise-bearing Items, a fair CompositeQueue over several child
// queues, and an AutoCancelQueue that withdraws entries when their caller
// abandons them.
package workqueue

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// State is the lifecycle of an Item.
type State int32

const (
	Pending State = iota
	Succeeded
	Failed
	Canceled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// ErrCanceled is returned by Wait (and wraps the error of) an Item whose
// cancellation fired before or during its settlement.
var ErrCanceled = errors.New("workqueue: canceled")

// Item is a cancelable, single-assignment promise. It starts Pending and
// moves to exactly one of Succeeded, Failed or Canceled; the first writer
// wins and every later attempt is a no-op, matching spec.md's "completion
// slot is written at most once".
type Item[T any] struct {
	ctx context.Context

	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}

	takenOnce sync.Once
	taken     chan struct{}
}

// NewItem creates a Pending item whose cancellation signal is ctx. A nil ctx
// is treated as context.Background (never cancels).
func NewItem[T any](ctx context.Context) *Item[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Item[T]{
		ctx:   ctx,
		state: Pending,
		done:  make(chan struct{}),
		taken: make(chan struct{}),
	}
}

// Context returns the item's cancellation source.
func (i *Item[T]) Context() context.Context { return i.ctx }

// Done is closed once the item reaches a terminal state.
func (i *Item[T]) Done() <-chan struct{} { return i.done }

// State returns the current lifecycle state.
func (i *Item[T]) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Item[T]) settle(s State, v T, err error) bool {
	i.mu.Lock()
	if i.state != Pending {
		i.mu.Unlock()
		return false
	}
	i.state = s
	i.value = v
	i.err = err
	i.mu.Unlock()
	close(i.done)
	return true
}

// Succeed settles the item with a value. Returns false if it was already
// terminal.
func (i *Item[T]) Succeed(v T) bool { return i.settle(Succeeded, v, nil) }

// Fail settles the item with an error. Returns false if it was already
// terminal.
func (i *Item[T]) Fail(err error) bool {
	var zero T
	return i.settle(Failed, zero, err)
}

// Cancel settles the item as Canceled. Returns false if it was already
// terminal.
func (i *Item[T]) Cancel() bool {
	var zero T
	return i.settle(Canceled, zero, ErrCanceled)
}

// markTaken disables the item's auto-cancellation watch. Safe to call more
// than once; only the first call has any effect.
func (i *Item[T]) markTaken() {
	i.takenOnce.Do(func() { close(i.taken) })
}

// Taken is closed the moment a queue hands this item to a consumer, before
// the consumer observes it. AutoCancelQueue uses this to resolve the
// take-vs-cancel race in favor of take.
func (i *Item[T]) Taken() <-chan struct{} { return i.taken }

// Wait blocks until the item is terminal (or ctx is done) and returns its
// outcome.
func (i *Item[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-i.done:
		i.mu.Lock()
		v, err := i.value, i.err
		i.mu.Unlock()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
