package workqueue

import (
	"context"
	"reflect"
	"sync"
)

// CompositeQueue is a logical union over N child queues, used to multiplex
// a channel supervisor's publish stream and its broker-callback stream into
// a single serial pump (spec.md 4.2). Take scans the children round-robin,
// starting with the one after the child it served last, and returns the
// first ready item it finds, so no single child can starve the others.
// Arrival times are not compared across children: the item returned is not
// necessarily the one that was put first.
type CompositeQueue[T any] struct {
	mu      sync.Mutex
	queues  []*Queue[T]
	nextIdx int
}

// NewCompositeQueue builds a composite over the given children. The slice is
// not copied defensively; callers must not mutate it afterwards.
func NewCompositeQueue[T any](queues ...*Queue[T]) *CompositeQueue[T] {
	return &CompositeQueue[T]{queues: queues}
}

// Take blocks until any child queue has a ready item, or ctx is done.
func (c *CompositeQueue[T]) Take(ctx context.Context) (*Item[T], error) {
	for {
		c.mu.Lock()
		n := len(c.queues)
		start := c.nextIdx
		queues := c.queues
		c.mu.Unlock()

		for i := 0; i < n; i++ {
			idx := (start + i) % n
			if it, ok := queues[idx].tryTake(); ok {
				c.mu.Lock()
				c.nextIdx = (idx + 1) % n
				c.mu.Unlock()
				return it, nil
			}
		}

		cases := make([]reflect.SelectCase, 0, n+1)
		for _, q := range queues {
			cases = append(cases, reflect.SelectCase{
				Dir:  reflect.SelectRecv,
				Chan: reflect.ValueOf(q.waitChan()),
			})
		}
		cases = append(cases, reflect.SelectCase{
			Dir:  reflect.SelectRecv,
			Chan: reflect.ValueOf(ctx.Done()),
		})

		chosen, _, _ := reflect.Select(cases)
		if chosen == len(cases)-1 {
			return nil, ctx.Err()
		}
		// a child queue signaled; loop around and try tryTake on all again.
	}
}
