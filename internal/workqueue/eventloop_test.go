package workqueue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onsi/gomega"
)

func TestLoop_RunsUnitsInFIFOOrder(t *testing.T) {
	g := gomega.NewWithT(t)

	l := NewLoop()
	defer l.Dispose(Cancel)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		it := Schedule(l, context.Background(), func(ctx context.Context) (struct{}, error) {
			order = append(order, i)
			if i == 4 {
				close(done)
			}
			return struct{}{}, nil
		})
		_ = it
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("units never finished")
	}
	g.Expect(order).To(gomega.Equal([]int{0, 1, 2, 3, 4}))
}

func TestLoop_ScheduleCanceledBeforeStartNeverRuns(t *testing.T) {
	g := gomega.NewWithT(t)

	l := NewLoop()
	defer l.Dispose(Cancel)

	ran := int32(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	it := Schedule(l, ctx, func(ctx context.Context) (struct{}, error) {
		atomic.AddInt32(&ran, 1)
		return struct{}{}, nil
	})

	_, err := it.Wait(context.Background())
	g.Expect(err).To(gomega.Equal(ErrCanceled))
	g.Expect(atomic.LoadInt32(&ran)).To(gomega.Equal(int32(0)))
}

func TestLoop_DisposeDrainRunsQueuedWork(t *testing.T) {
	g := gomega.NewWithT(t)

	l := NewLoop()
	var ran int32
	for i := 0; i < 3; i++ {
		Schedule(l, context.Background(), func(ctx context.Context) (struct{}, error) {
			atomic.AddInt32(&ran, 1)
			return struct{}{}, nil
		})
	}
	l.Dispose(Drain)
	g.Expect(atomic.LoadInt32(&ran)).To(gomega.Equal(int32(3)))
}

func TestLoop_DisposeWaitDiscardsQueuedWork(t *testing.T) {
	g := gomega.NewWithT(t)

	l := NewLoop()
	block := make(chan struct{})
	inFlight := Schedule(l, context.Background(), func(ctx context.Context) (struct{}, error) {
		<-block
		return struct{}{}, nil
	})
	queued := Schedule(l, context.Background(), func(ctx context.Context) (struct{}, error) {
		t.Error("queued unit must not run under Wait disposal")
		return struct{}{}, nil
	})

	done := make(chan struct{})
	go func() {
		l.Dispose(Wait)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	close(block)
	<-done

	_, err := inFlight.Wait(context.Background())
	g.Expect(err).NotTo(gomega.HaveOccurred())

	_, err = queued.Wait(context.Background())
	g.Expect(err).To(gomega.Equal(ErrDisposed))
}

func TestLoop_ScheduleAfterDisposeFailsImmediately(t *testing.T) {
	g := gomega.NewWithT(t)

	l := NewLoop()
	l.Dispose(Drain)

	it := Schedule(l, context.Background(), func(ctx context.Context) (struct{}, error) {
		t.Error("must not run after dispose")
		return struct{}{}, nil
	})
	_, err := it.Wait(context.Background())
	g.Expect(err).To(gomega.Equal(ErrDisposed))
}
